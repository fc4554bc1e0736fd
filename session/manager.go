package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/slogger"
	"github.com/dexto-ai/dexto/storage"
)

// DefaultSessionID names the session used when callers do not pick one.
const DefaultSessionID = "default"

const (
	// DefaultMaxSessions caps concurrently active sessions.
	DefaultMaxSessions = 100

	// DefaultSessionTTL expires sessions with no activity.
	DefaultSessionTTL = time.Hour

	// maxSweepInterval caps how rarely the expiry sweep runs.
	maxSweepInterval = 15 * time.Minute
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// LimitError is returned when creating a session would exceed the cap.
type LimitError struct {
	Max int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("session limit reached (%d)", e.Max)
}

// SessionMetadata is the persisted record of one session.
type SessionMetadata struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"createdAt"`    // unix milliseconds
	LastActivity int64  `json:"lastActivity"` // unix milliseconds
	MessageCount int    `json:"messageCount"`
}

// SessionStats summarizes the session pool and its configured limits.
type SessionStats struct {
	InMemory    int           `json:"inMemory"`
	Stored      int           `json:"stored"`
	MaxSessions int           `json:"maxSessions"`
	SessionTTL  time.Duration `json:"sessionTTL"`
}

// ManagerConfig tunes the session pool.
type ManagerConfig struct {
	MaxSessions int           `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`
	SessionTTL  time.Duration `json:"sessionTTL,omitempty" yaml:"sessionTTL,omitempty"`
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
}

// Manager owns the session pool: in-memory chat sessions, their persisted
// metadata, and the expiry sweep. Sessions are hydrated lazily; restoring
// metadata at startup creates no session objects.
type Manager struct {
	store       *storage.Manager
	globalBus   *bus.Bus
	tools       llm.ToolRunner
	newProvider ProviderFactory
	logger      slogger.Logger
	cfg         ManagerConfig

	mu        sync.RWMutex
	llmCfg    llm.Config
	sessions  map[string]*ChatSession
	meta      *storage.SessionProvider
	sweepDone chan struct{}
}

// NewManager builds the session manager. Call Init before use.
func NewManager(store *storage.Manager, globalBus *bus.Bus, tools llm.ToolRunner, llmCfg llm.Config, factory ProviderFactory, cfg ManagerConfig, logger slogger.Logger) *Manager {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	cfg.applyDefaults()
	llmCfg.ApplyDefaults()
	return &Manager{
		store:       store,
		globalBus:   globalBus,
		tools:       tools,
		newProvider: factory,
		logger:      logger,
		cfg:         cfg,
		llmCfg:      llmCfg,
		sessions:    make(map[string]*ChatSession),
	}
}

// Init opens the metadata store and starts the expiry sweep. Persisted
// sessions are not hydrated until first use.
func (m *Manager) Init(ctx context.Context) error {
	meta, err := m.store.Sessions(ctx, storage.PurposeSessions)
	if err != nil {
		return fmt.Errorf("session: open metadata store: %w", err)
	}

	m.mu.Lock()
	m.meta = meta
	m.sweepDone = make(chan struct{})
	m.mu.Unlock()

	interval := m.cfg.SessionTTL / 4
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	go m.sweepLoop(interval)
	return nil
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepDone:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep removes expired metadata and evicts in-memory sessions whose
// metadata is gone. Per-session failures are logged and do not stop the
// sweep.
func (m *Manager) sweep(ctx context.Context) {
	removed, err := m.meta.CleanupExpired(ctx)
	if err != nil {
		m.logger.Warn("session: expiry cleanup failed", "error", err)
	} else if removed > 0 {
		m.logger.Info("session: expired sessions removed", "count", removed)
	}

	m.mu.Lock()
	candidates := make(map[string]*ChatSession, len(m.sessions))
	for id, sess := range m.sessions {
		candidates[id] = sess
	}
	m.mu.Unlock()

	for id, sess := range candidates {
		alive, err := m.meta.HasSession(ctx, id)
		if err != nil {
			m.logger.Warn("session: expiry check failed", "session_id", id, "error", err)
			continue
		}
		if alive {
			continue
		}
		if err := sess.Reset(ctx); err != nil {
			m.logger.Warn("session: reset during eviction failed", "session_id", id, "error", err)
		}
		sess.Dispose()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.logger.Info("session: evicted expired session", "session_id", id)
	}
}

// CreateSession returns the session for id, hydrating or creating it as
// needed. An empty id allocates a fresh UUID. Creating past the session cap
// fails with a LimitError.
func (m *Manager) CreateSession(ctx context.Context, id string) (*ChatSession, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		if err := m.touch(ctx, id); err != nil {
			return nil, err
		}
		return sess, nil
	}

	var meta SessionMetadata
	exists, err := m.meta.GetSession(ctx, id, &meta)
	if err != nil {
		return nil, fmt.Errorf("session: load metadata for %q: %w", id, err)
	}

	if !exists {
		active, err := m.meta.GetActiveSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: count sessions: %w", err)
		}
		if len(active) >= m.cfg.MaxSessions {
			return nil, &LimitError{Max: m.cfg.MaxSessions}
		}
		now := time.Now().UnixMilli()
		meta = SessionMetadata{ID: id, CreatedAt: now, LastActivity: now}
	} else {
		meta.LastActivity = time.Now().UnixMilli()
	}
	if err := m.meta.SetSession(ctx, id, meta, m.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("session: save metadata for %q: %w", id, err)
	}

	return m.hydrate(ctx, id)
}

// hydrate builds and initializes the in-memory session for id.
func (m *Manager) hydrate(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	cfg := m.llmCfg
	m.mu.Unlock()

	sess := NewChatSession(id, cfg, m.store, m.globalBus, m.tools, m.newProvider, m.logger)
	if err := sess.Init(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		sess.Dispose()
		return existing, nil
	}
	m.sessions[id] = sess
	return sess, nil
}

// touch refreshes a session's activity timestamp and TTL.
func (m *Manager) touch(ctx context.Context, id string) error {
	var meta SessionMetadata
	exists, err := m.meta.GetSession(ctx, id, &meta)
	if err != nil {
		return err
	}
	if !exists {
		now := time.Now().UnixMilli()
		meta = SessionMetadata{ID: id, CreatedAt: now}
	}
	meta.LastActivity = time.Now().UnixMilli()
	return m.meta.SetSession(ctx, id, meta, m.cfg.SessionTTL)
}

// GetSession returns the session for id, hydrating from storage when
// needed. Unknown ids fail with ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	exists, err := m.meta.HasSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return m.hydrate(ctx, id)
}

// GetDefaultSession returns the default session, creating it on first use.
func (m *Manager) GetDefaultSession(ctx context.Context) (*ChatSession, error) {
	return m.CreateSession(ctx, DefaultSessionID)
}

// EndSession resets, disposes, and forgets the session. Idempotent: ending
// an unknown session is a no-op.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, inMemory := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if inMemory {
		if err := sess.Reset(ctx); err != nil {
			m.logger.Warn("session: reset during end failed", "session_id", id, "error", err)
		}
		sess.Dispose()
	} else {
		// Not hydrated: clear the stored history directly.
		history, err := NewHistory(ctx, m.store, id, m.logger)
		if err == nil {
			if err := history.Clear(ctx); err != nil {
				m.logger.Warn("session: history clear during end failed", "session_id", id, "error", err)
			}
		}
	}

	if _, err := m.meta.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: delete metadata for %q: %w", id, err)
	}
	return nil
}

// ListSessions returns the ids of all live sessions, sorted.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	stored, err := m.meta.GetActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
	}
	m.mu.RLock()
	for id := range m.sessions {
		seen[id] = struct{}{}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetSessionMetadata returns the persisted record for id.
func (m *Manager) GetSessionMetadata(ctx context.Context, id string) (*SessionMetadata, error) {
	var meta SessionMetadata
	exists, err := m.meta.GetSession(ctx, id, &meta)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return &meta, nil
}

// IncrementMessageCount bumps the session's message counter by one.
func (m *Manager) IncrementMessageCount(ctx context.Context, id string) error {
	return m.AddToMessageCount(ctx, id, 1)
}

// AddToMessageCount adds n to the session's message counter and refreshes
// its activity in one write. The read-modify-write is not atomic across
// processes; with a single manager per store the races are with our own
// sweeps, which at worst re-persist a fresh timestamp.
func (m *Manager) AddToMessageCount(ctx context.Context, id string, n int) error {
	var meta SessionMetadata
	exists, err := m.meta.GetSession(ctx, id, &meta)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	meta.MessageCount += n
	meta.LastActivity = time.Now().UnixMilli()
	return m.meta.SetSession(ctx, id, meta, m.cfg.SessionTTL)
}

// SwitchLLMForAllSessions switches every in-memory session and makes cfg
// the default for future sessions. Per-session failures are collected; the
// sessions that switched are announced in one event.
func (m *Manager) SwitchLLMForAllSessions(ctx context.Context, cfg llm.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.llmCfg = cfg
	targets := make(map[string]*ChatSession, len(m.sessions))
	for id, sess := range m.sessions {
		targets[id] = sess
	}
	m.mu.Unlock()

	var switched []string
	var errs []error
	for id, sess := range targets {
		if err := sess.SwitchLLM(cfg); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", id, err))
			continue
		}
		switched = append(switched, id)
	}
	sort.Strings(switched)

	m.emitSwitched(cfg, switched)
	return errors.Join(errs...)
}

// SwitchLLMForSpecificSession switches one session, hydrating it if needed.
func (m *Manager) SwitchLLMForSpecificSession(ctx context.Context, id string, cfg llm.Config) error {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := sess.SwitchLLM(cfg); err != nil {
		return err
	}
	m.emitSwitched(sess.Config(), []string{id})
	return nil
}

// SwitchLLMForDefaultSession switches the default session.
func (m *Manager) SwitchLLMForDefaultSession(ctx context.Context, cfg llm.Config) error {
	if _, err := m.GetDefaultSession(ctx); err != nil {
		return err
	}
	return m.SwitchLLMForSpecificSession(ctx, DefaultSessionID, cfg)
}

func (m *Manager) emitSwitched(cfg llm.Config, ids []string) {
	m.globalBus.Emit(bus.Event{Name: bus.AgentLLMSwitched, Payload: bus.AgentSwitchedPayload{
		NewConfig:       cfg,
		Router:          cfg.Router,
		HistoryRetained: true,
		SessionIDs:      ids,
	}})
}

// GetSessionStats summarizes the pool.
func (m *Manager) GetSessionStats(ctx context.Context) (SessionStats, error) {
	stored, err := m.meta.GetActiveSessions(ctx)
	if err != nil {
		return SessionStats{}, err
	}
	m.mu.RLock()
	inMemory := len(m.sessions)
	m.mu.RUnlock()
	return SessionStats{
		InMemory:    inMemory,
		Stored:      len(stored),
		MaxSessions: m.cfg.MaxSessions,
		SessionTTL:  m.cfg.SessionTTL,
	}, nil
}

// Cleanup stops the sweep and disposes every in-memory session. Persisted
// metadata and history are kept so sessions survive a restart.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	if m.sweepDone != nil {
		close(m.sweepDone)
		m.sweepDone = nil
	}
	sessions := m.sessions
	m.sessions = make(map[string]*ChatSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Dispose()
	}
}

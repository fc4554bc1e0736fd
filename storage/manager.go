package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dexto-ai/dexto/slogger"
)

// Well-known provider purposes.
const (
	PurposeHistory      = "history"
	PurposeSessions     = "sessions"
	PurposeUserInfo     = "userInfo"
	PurposeAllowedTools = "allowedTools"
)

// ManagerConfig maps purposes to backend configurations. Resolution for a
// purpose is: exact entry in Purposes, then Custom["<purpose>"], then
// Default. A missing Default is a configuration error.
type ManagerConfig struct {
	Default  *BackendConfig            `json:"default" yaml:"default"`
	Purposes map[string]*BackendConfig `json:"purposes,omitempty" yaml:"purposes,omitempty"`
	Custom   map[string]*BackendConfig `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Manager builds and caches backends and providers per purpose. Backends are
// shared by all providers resolved from the same manager; their lifetime is
// the manager's.
type Manager struct {
	storageContext *Context
	config         ManagerConfig
	logger         slogger.Logger

	mu       sync.Mutex
	backends map[string]Backend // purpose → connected backend
}

// NewManager validates the configuration and returns a manager. Backends are
// constructed lazily per purpose on first use.
func NewManager(storageContext *Context, config ManagerConfig, logger slogger.Logger) (*Manager, error) {
	if config.Default == nil {
		return nil, ErrMissingDefault
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Manager{
		storageContext: storageContext,
		config:         config,
		logger:         logger,
		backends:       make(map[string]Backend),
	}, nil
}

// resolveConfig applies the purpose resolution order.
func (m *Manager) resolveConfig(purpose string) *BackendConfig {
	if cfg, ok := m.config.Purposes[purpose]; ok && cfg != nil {
		return cfg
	}
	if cfg, ok := m.config.Custom[purpose]; ok && cfg != nil {
		return cfg
	}
	return m.config.Default
}

// backendFor returns the connected backend for a purpose, constructing it on
// first use. A backend that fails to connect is replaced by a memory backend
// with a logged warning; the operation proceeds.
func (m *Manager) backendFor(ctx context.Context, purpose string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if backend, ok := m.backends[purpose]; ok {
		return backend, nil
	}

	cfg := m.resolveConfig(purpose)
	backend, err := m.construct(ctx, purpose, cfg)
	if err != nil {
		m.logger.Warn("storage backend unavailable, falling back to memory",
			"purpose", purpose,
			"type", cfg.Type,
			"error", err,
		)
		backend = NewMemoryBackend(nil, m.logger)
		if err := backend.Connect(ctx); err != nil {
			return nil, err
		}
	}
	m.backends[purpose] = backend
	return backend, nil
}

func (m *Manager) construct(ctx context.Context, purpose string, cfg *BackendConfig) (Backend, error) {
	var backend Backend
	switch cfg.Type {
	case TypeMemory, "":
		backend = NewMemoryBackend(cfg, m.logger)
	case TypeFile:
		fb, err := NewFileBackend(m.storageContext, purpose, cfg, m.logger)
		if err != nil {
			return nil, err
		}
		backend = fb
	case TypeSQLite:
		sb, err := NewSQLiteBackend(m.storageContext, purpose, cfg, m.logger)
		if err != nil {
			return nil, err
		}
		backend = sb
	default:
		return nil, fmt.Errorf("storage: unknown backend type %q", cfg.Type)
	}
	if err := backend.Connect(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

// KV returns the key/value provider for a purpose.
func (m *Manager) KV(ctx context.Context, purpose string) (*KVProvider, error) {
	backend, err := m.backendFor(ctx, purpose)
	if err != nil {
		return nil, err
	}
	return NewKVProvider(backend, m.logger), nil
}

// Collection returns a collection provider bound to name under the purpose's
// backend.
func (m *Manager) Collection(ctx context.Context, purpose, name string) (*CollectionProvider, error) {
	backend, err := m.backendFor(ctx, purpose)
	if err != nil {
		return nil, err
	}
	return NewCollectionProvider(backend, name, m.logger), nil
}

// Sessions returns the session provider for a purpose.
func (m *Manager) Sessions(ctx context.Context, purpose string) (*SessionProvider, error) {
	backend, err := m.backendFor(ctx, purpose)
	if err != nil {
		return nil, err
	}
	return NewSessionProvider(backend, m.logger), nil
}

// Close disconnects every backend. Individual failures are logged and the
// last one is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for purpose, backend := range m.backends {
		if err := backend.Disconnect(); err != nil {
			m.logger.Warn("storage backend disconnect failed", "purpose", purpose, "error", err)
			lastErr = err
		}
	}
	m.backends = make(map[string]Backend)
	return lastErr
}

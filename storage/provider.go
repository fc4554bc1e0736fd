package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dexto-ai/dexto/slogger"
)

// KVProvider is a typed key/value view over a backend.
type KVProvider struct {
	backend Backend
	logger  slogger.Logger
}

// NewKVProvider wraps a connected backend.
func NewKVProvider(backend Backend, logger slogger.Logger) *KVProvider {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &KVProvider{backend: backend, logger: logger}
}

// Get decodes the stored value into dest. A corrupt record is warned about
// and treated as absent.
func (p *KVProvider) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := p.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		p.logger.Warn("storage: corrupt record, treating as absent", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (p *KVProvider) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return p.backend.Set(ctx, key, value, ttl)
}

func (p *KVProvider) Has(ctx context.Context, key string) (bool, error) {
	return p.backend.Has(ctx, key)
}

func (p *KVProvider) Delete(ctx context.Context, key string) (bool, error) {
	return p.backend.Delete(ctx, key)
}

func (p *KVProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	return p.backend.Keys(ctx, pattern)
}

func (p *KVProvider) Clear(ctx context.Context) error {
	_, err := p.backend.DeletePattern(ctx, "*")
	return err
}

func (p *KVProvider) Close() error { return nil }

// CollectionProvider is an append-only ordered collection bound to a single
// named list on a backend. Chronological order is preserved.
type CollectionProvider struct {
	backend Backend
	name    string
	logger  slogger.Logger
}

// NewCollectionProvider wraps a named collection on a connected backend.
func NewCollectionProvider(backend Backend, name string, logger slogger.Logger) *CollectionProvider {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &CollectionProvider{backend: backend, name: name, logger: logger}
}

// Name returns the collection's backing key.
func (p *CollectionProvider) Name() string { return p.name }

// Add appends a value to the collection.
func (p *CollectionProvider) Add(ctx context.Context, value any) error {
	return p.backend.LPush(ctx, p.name, value)
}

// GetAll returns every value in chronological (append) order.
func (p *CollectionProvider) GetAll(ctx context.Context) ([]json.RawMessage, error) {
	return p.backend.LRange(ctx, p.name, 0, -1)
}

// Find returns the values for which pred is true, preserving order.
func (p *CollectionProvider) Find(ctx context.Context, pred func(json.RawMessage) bool) ([]json.RawMessage, error) {
	all, err := p.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, item := range all {
		if pred(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Remove deletes the values for which pred is true and returns how many were
// removed. The surviving values keep their relative order.
func (p *CollectionProvider) Remove(ctx context.Context, pred func(json.RawMessage) bool) (int, error) {
	all, err := p.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	var kept []any
	removed := 0
	for _, item := range all {
		if pred(item) {
			removed++
		} else {
			kept = append(kept, item)
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := p.Clear(ctx); err != nil {
		return 0, err
	}
	if len(kept) > 0 {
		if err := p.backend.LPush(ctx, p.name, kept...); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (p *CollectionProvider) Count(ctx context.Context) (int, error) {
	return p.backend.LLen(ctx, p.name)
}

// Clear deletes the collection entirely. An inverted trim range empties the
// backing list on every backend.
func (p *CollectionProvider) Clear(ctx context.Context) error {
	return p.backend.LTrim(ctx, p.name, 1, 0)
}

func (p *CollectionProvider) Close() error { return nil }

// sessionEnvelope wraps session data with its expiry instant.
type sessionEnvelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt int64           `json:"expiresAt,omitempty"` // unix milliseconds
}

func (e *sessionEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}

const sessionKeyPrefix = "session:"

// SessionProvider stores per-session records with a TTL measured from the
// last write. Expired sessions read as absent and are deleted lazily.
type SessionProvider struct {
	backend Backend
	logger  slogger.Logger
}

// NewSessionProvider wraps a connected backend.
func NewSessionProvider(backend Backend, logger slogger.Logger) *SessionProvider {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &SessionProvider{backend: backend, logger: logger}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

// SetSession stores data for the session, refreshing its TTL. A zero ttl
// stores the session without expiry.
func (p *SessionProvider) SetSession(ctx context.Context, id string, data any, ttl time.Duration) error {
	encoded, err := encodeValue(data)
	if err != nil {
		return err
	}
	env := sessionEnvelope{Data: encoded}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	// Expiry lives in the envelope, not the backend entry, so that
	// CleanupExpired can observe and count expired sessions.
	return p.backend.Set(ctx, sessionKey(id), env, 0)
}

// GetSession decodes the session data into dest, returning false if the
// session is absent or expired. Expired records are deleted.
func (p *SessionProvider) GetSession(ctx context.Context, id string, dest any) (bool, error) {
	raw, ok, err := p.backend.Get(ctx, sessionKey(id))
	if err != nil || !ok {
		return false, err
	}
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.logger.Warn("storage: corrupt session record, treating as absent", "session_id", id, "error", err)
		return false, nil
	}
	if env.expired(time.Now()) {
		if _, err := p.backend.Delete(ctx, sessionKey(id)); err != nil {
			p.logger.Warn("storage: lazy session expiry failed", "session_id", id, "error", err)
		}
		return false, nil
	}
	if dest != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			p.logger.Warn("storage: corrupt session data, treating as absent", "session_id", id, "error", err)
			return false, nil
		}
	}
	return true, nil
}

func (p *SessionProvider) HasSession(ctx context.Context, id string) (bool, error) {
	return p.GetSession(ctx, id, nil)
}

// DeleteSession removes the session and reports whether it existed.
func (p *SessionProvider) DeleteSession(ctx context.Context, id string) (bool, error) {
	return p.backend.Delete(ctx, sessionKey(id))
}

// GetActiveSessions returns the ids of all non-expired sessions.
func (p *SessionProvider) GetActiveSessions(ctx context.Context) ([]string, error) {
	keys, err := p.backend.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		id := key[len(sessionKeyPrefix):]
		ok, err := p.GetSession(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CleanupExpired deletes every expired session and returns how many were
// removed.
func (p *SessionProvider) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := p.backend.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	count := 0
	now := time.Now()
	for _, key := range keys {
		raw, ok, err := p.backend.Get(ctx, key)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		var env sessionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			p.logger.Warn("storage: corrupt session record during cleanup", "key", key, "error", err)
			continue
		}
		if env.expired(now) {
			if _, err := p.backend.Delete(ctx, key); err != nil {
				return count, fmt.Errorf("storage: cleanup delete %q: %w", key, err)
			}
			count++
		}
	}
	return count, nil
}

func (p *SessionProvider) Clear(ctx context.Context) error {
	_, err := p.backend.DeletePattern(ctx, sessionKeyPrefix+"*")
	return err
}

func (p *SessionProvider) Close() error { return nil }

package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dexto-ai/dexto/slogger"
)

// DefaultCleanupInterval is the period of the memory backend's expiry sweep.
const DefaultCleanupInterval = 30 * time.Second

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBackend keeps entries, lists, and counters in process memory.
// Suitable for tests, development, and as the fallback target when a
// persistent backend cannot connect.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	lists    map[string][]json.RawMessage
	counters map[string]int64

	maxSize  int
	interval time.Duration
	logger   slogger.Logger

	connected bool
	done      chan struct{}
}

// NewMemoryBackend creates a memory backend. cfg may be nil for defaults.
func NewMemoryBackend(cfg *BackendConfig, logger slogger.Logger) *MemoryBackend {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	b := &MemoryBackend{
		entries:  make(map[string]memoryEntry),
		lists:    make(map[string][]json.RawMessage),
		counters: make(map[string]int64),
		interval: DefaultCleanupInterval,
		logger:   logger,
	}
	if cfg != nil {
		b.maxSize = cfg.MaxSize
		if cfg.CleanupInterval > 0 {
			b.interval = cfg.CleanupInterval
		}
	}
	return b
}

func (b *MemoryBackend) BackendType() string { return TypeMemory }

func (b *MemoryBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.done = make(chan struct{})
	go b.sweepLoop(b.done)
	return nil
}

func (b *MemoryBackend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	close(b.done)
	return nil
}

func (b *MemoryBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, false, ErrNotConnected
	}
	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	if _, exists := b.entries[key]; !exists && b.maxSize > 0 && len(b.entries) >= b.maxSize {
		return ErrSizeLimitExceeded
	}
	entry := memoryEntry{value: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false, ErrNotConnected
	}
	entry, ok := b.entries[key]
	if ok {
		delete(b.entries, key)
	}
	return ok && !entry.expired(time.Now()), nil
}

func (b *MemoryBackend) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *MemoryBackend) MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

func (b *MemoryBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	for key, value := range items {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	now := time.Now()
	var keys []string
	for key, entry := range b.entries {
		if entry.expired(now) {
			delete(b.entries, key)
			continue
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	matched, err := b.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range matched {
		delete(b.entries, key)
	}
	return len(matched), nil
}

func (b *MemoryBackend) LPush(ctx context.Context, key string, values ...any) error {
	encoded := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	b.lists[key] = append(b.lists[key], encoded...)
	return nil
}

func (b *MemoryBackend) LRange(ctx context.Context, key string, start, stop int) ([]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	items := b.lists[key]
	lo, hi, ok := rangeBounds(start, stop, len(items))
	if !ok {
		return nil, nil
	}
	out := make([]json.RawMessage, hi-lo+1)
	copy(out, items[lo:hi+1])
	return out, nil
}

func (b *MemoryBackend) LTrim(ctx context.Context, key string, start, stop int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	items := b.lists[key]
	lo, hi, ok := rangeBounds(start, stop, len(items))
	if !ok {
		delete(b.lists, key)
		return nil
	}
	b.lists[key] = items[lo : hi+1]
	return nil
}

func (b *MemoryBackend) LLen(ctx context.Context, key string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return 0, ErrNotConnected
	}
	return len(b.lists[key]), nil
}

func (b *MemoryBackend) Incr(ctx context.Context, key string, by int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0, ErrNotConnected
	}
	b.counters[key] += by
	return b.counters[key], nil
}

// sweepLoop deletes expired entries on the configured interval until the
// backend is disconnected.
func (b *MemoryBackend) sweepLoop(done <-chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *MemoryBackend) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, entry := range b.entries {
		if entry.expired(now) {
			delete(b.entries, key)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("memory backend sweep removed expired entries", "count", removed)
	}
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dexto-ai/dexto/slogger"
)

// fileEnvelope is the on-disk document stored per key. The original key is
// recorded because the file name is a sanitized (lossy) form of it.
type fileEnvelope struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expiresAt,omitempty"` // unix milliseconds
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

func (e *fileEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}

// fileListEnvelope is the on-disk document stored per list.
type fileListEnvelope struct {
	Key       string            `json:"key"`
	Items     []json.RawMessage `json:"items"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}

type fileWriteOp struct {
	fn   func() error
	done chan error
}

// FileBackend stores each key as a JSON document under <dir>/keys/ and each
// list under <dir>/lists/. Writes are atomic (tmp file + rename) and
// serialized through a single-writer queue. The backend is single-process:
// no cross-process locking is attempted.
type FileBackend struct {
	dir    string
	logger slogger.Logger

	mu        sync.RWMutex
	connected bool
	queue     chan fileWriteOp
	drained   chan struct{}
}

// NewFileBackend creates a file backend rooted at <storageContext.Root>/<namespace>,
// or at cfg.Path when set.
func NewFileBackend(storageContext *Context, namespace string, cfg *BackendConfig, logger slogger.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	dir := ""
	if cfg != nil && cfg.Path != "" {
		dir = cfg.Path
	} else {
		var err error
		dir, err = storageContext.Path(namespace)
		if err != nil {
			return nil, &ConnectionError{BackendType: TypeFile, Err: err}
		}
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

func (b *FileBackend) BackendType() string { return TypeFile }

func (b *FileBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	for _, sub := range []string{"keys", "lists"} {
		if err := ensureDir(filepath.Join(b.dir, sub)); err != nil {
			return &ConnectionError{BackendType: TypeFile, Err: err}
		}
	}
	b.queue = make(chan fileWriteOp, 64)
	b.drained = make(chan struct{})
	go b.writeLoop(b.queue, b.drained)
	b.connected = true
	return nil
}

func (b *FileBackend) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	queue, drained := b.queue, b.drained
	b.mu.Unlock()

	close(queue)
	<-drained
	return nil
}

func (b *FileBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// writeLoop applies queued mutations one at a time, giving the backend its
// single-writer guarantee within the process.
func (b *FileBackend) writeLoop(queue chan fileWriteOp, drained chan struct{}) {
	defer close(drained)
	for op := range queue {
		err := op.fn()
		if op.done != nil {
			op.done <- err
		}
	}
}

// enqueue submits a mutation to the writer queue and waits for it. The lock
// is held across the send so Disconnect cannot close the queue under us.
func (b *FileBackend) enqueue(ctx context.Context, fn func() error) error {
	op := fileWriteOp{fn: fn, done: make(chan error, 1)}

	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return ErrNotConnected
	}
	select {
	case b.queue <- op:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *FileBackend) keyPath(key string) string {
	return filepath.Join(b.dir, "keys", sanitizeKey(key)+".json")
}

func (b *FileBackend) listPath(key string) string {
	return filepath.Join(b.dir, "lists", sanitizeKey(key)+".json")
}

// writeAtomic writes data to path via a temporary file and rename, creating
// the parent directory on demand.
func writeAtomic(path string, data []byte) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readEnvelope reads and decodes a key document. A missing file reads as
// absent; a corrupt file is warned about and also reads as absent.
func (b *FileBackend) readEnvelope(key string) (*fileEnvelope, bool) {
	data, err := os.ReadFile(b.keyPath(key))
	if err != nil {
		return nil, false
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("file backend: corrupt key document", "key", key, "error", err)
		return nil, false
	}
	return &env, true
}

func (b *FileBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if !b.IsConnected() {
		return nil, false, ErrNotConnected
	}
	env, ok := b.readEnvelope(key)
	if !ok {
		return nil, false, nil
	}
	if env.expired(time.Now()) {
		b.removeAsync(b.keyPath(key))
		return nil, false, nil
	}
	return env.Value, true, nil
}

// removeAsync queues a best-effort delete for a lazily-expired document.
func (b *FileBackend) removeAsync(path string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return
	}
	select {
	case b.queue <- fileWriteOp{fn: func() error {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}}:
	default:
		// Queue full; the next sweep or read will retry.
	}
}

func (b *FileBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return b.enqueue(ctx, func() error {
		now := time.Now()
		env := fileEnvelope{
			Key:       key,
			Value:     data,
			CreatedAt: now.UnixMilli(),
			UpdatedAt: now.UnixMilli(),
		}
		if prev, ok := b.readEnvelope(key); ok {
			env.CreatedAt = prev.CreatedAt
		}
		if ttl > 0 {
			env.ExpiresAt = now.Add(ttl).UnixMilli()
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("storage: encode key document: %w", err)
		}
		return writeAtomic(b.keyPath(key), encoded)
	})
}

func (b *FileBackend) Delete(ctx context.Context, key string) (bool, error) {
	existed := false
	err := b.enqueue(ctx, func() error {
		if env, ok := b.readEnvelope(key); ok && !env.expired(time.Now()) {
			existed = true
		}
		err := os.Remove(b.keyPath(key))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	return existed, err
}

func (b *FileBackend) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *FileBackend) MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
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

func (b *FileBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	for key, value := range items {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Keys enumerates key documents, drops expired entries, and matches the
// stored (original) key against the pattern.
func (b *FileBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(b.dir, "keys")
	now := time.Now()
	var keys []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var env fileEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("file backend: corrupt key document", "path", path, "error", err)
			return nil
		}
		if env.expired(now) {
			b.removeAsync(path)
			return nil
		}
		if matcher.Match(env.Key) {
			keys = append(keys, env.Key)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return nil, walkErr
	}
	return keys, nil
}

func (b *FileBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	matched, err := b.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range matched {
		existed, err := b.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if existed {
			count++
		}
	}
	return count, nil
}

func (b *FileBackend) readList(key string) *fileListEnvelope {
	data, err := os.ReadFile(b.listPath(key))
	if err != nil {
		return nil
	}
	var env fileListEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("file backend: corrupt list document", "key", key, "error", err)
		return nil
	}
	if env.expired(time.Now()) {
		return nil
	}
	return &env
}

func (e *fileListEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}

func (b *FileBackend) writeList(key string, env *fileListEnvelope) error {
	env.UpdatedAt = time.Now().UnixMilli()
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("storage: encode list document: %w", err)
	}
	return writeAtomic(b.listPath(key), encoded)
}

func (b *FileBackend) LPush(ctx context.Context, key string, values ...any) error {
	encoded := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}
	return b.enqueue(ctx, func() error {
		env := b.readList(key)
		if env == nil {
			env = &fileListEnvelope{Key: key, CreatedAt: time.Now().UnixMilli()}
		}
		env.Items = append(env.Items, encoded...)
		return b.writeList(key, env)
	})
}

func (b *FileBackend) LRange(ctx context.Context, key string, start, stop int) ([]json.RawMessage, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	env := b.readList(key)
	if env == nil {
		return nil, nil
	}
	lo, hi, ok := rangeBounds(start, stop, len(env.Items))
	if !ok {
		return nil, nil
	}
	out := make([]json.RawMessage, hi-lo+1)
	copy(out, env.Items[lo:hi+1])
	return out, nil
}

func (b *FileBackend) LTrim(ctx context.Context, key string, start, stop int) error {
	return b.enqueue(ctx, func() error {
		env := b.readList(key)
		if env == nil {
			return nil
		}
		lo, hi, ok := rangeBounds(start, stop, len(env.Items))
		if !ok {
			err := os.Remove(b.listPath(key))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		}
		env.Items = env.Items[lo : hi+1]
		return b.writeList(key, env)
	})
}

func (b *FileBackend) LLen(ctx context.Context, key string) (int, error) {
	if !b.IsConnected() {
		return 0, ErrNotConnected
	}
	env := b.readList(key)
	if env == nil {
		return 0, nil
	}
	return len(env.Items), nil
}

// Incr runs entirely inside the writer queue, making it atomic within the
// process.
func (b *FileBackend) Incr(ctx context.Context, key string, by int64) (int64, error) {
	var result int64
	err := b.enqueue(ctx, func() error {
		var current int64
		if env, ok := b.readEnvelope(key); ok && !env.expired(time.Now()) {
			if err := json.Unmarshal(env.Value, &current); err != nil {
				b.logger.Warn("file backend: counter is not a number, resetting", "key", key)
				current = 0
			}
		}
		result = current + by
		now := time.Now().UnixMilli()
		env := fileEnvelope{Key: key, Value: json.RawMessage(fmt.Sprintf("%d", result)), CreatedAt: now, UpdatedAt: now}
		encoded, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return writeAtomic(b.keyPath(key), encoded)
	})
	return result, err
}

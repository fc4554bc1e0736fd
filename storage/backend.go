package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Backend types selectable by configuration.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeSQLite = "sqlite"
)

var (
	// ErrNotConnected is returned when a backend is used before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("storage backend not connected")

	// ErrSizeLimitExceeded is returned by the memory backend when storing a
	// new key would exceed the configured entry limit.
	ErrSizeLimitExceeded = errors.New("storage size limit exceeded")

	// ErrMissingDefault is returned by the manager when no default backend
	// is configured.
	ErrMissingDefault = errors.New("no default storage backend configured")
)

// ConnectionError indicates a backend could not bind its underlying
// resource. The manager treats it as a signal to fall back to memory.
type ConnectionError struct {
	BackendType string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: %s backend connection failed: %v", e.BackendType, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Backend is the common contract all storage backends implement. Values are
// JSON-encoded at rest; Get returns the raw encoding for the caller to
// decode. A successful Set followed by Get in the same process returns the
// stored value; Delete is idempotent; Incr is atomic within one process.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	BackendType() string

	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Has(ctx context.Context, key string) (bool, error)

	MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	MSet(ctx context.Context, items map[string]any, ttl time.Duration) error

	// Keys returns live keys matching pattern, where * matches any run of
	// characters and ? matches exactly one; all other characters are
	// literal and the match is anchored to the whole key.
	Keys(ctx context.Context, pattern string) ([]string, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)

	LPush(ctx context.Context, key string, values ...any) error
	LRange(ctx context.Context, key string, start, stop int) ([]json.RawMessage, error)
	LTrim(ctx context.Context, key string, start, stop int) error
	LLen(ctx context.Context, key string) (int, error)

	Incr(ctx context.Context, key string, by int64) (int64, error)
}

// BackendConfig selects and tunes a backend.
type BackendConfig struct {
	Type string `json:"type" yaml:"type"`

	// MaxSize caps the number of entries in the memory backend. Zero means
	// unlimited.
	MaxSize int `json:"maxSize,omitempty" yaml:"maxSize,omitempty"`

	// CleanupInterval is the period of the memory backend's expiry sweep.
	CleanupInterval time.Duration `json:"cleanupInterval,omitempty" yaml:"cleanupInterval,omitempty"`

	// Path overrides the storage-root-derived location for file and sqlite
	// backends.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// compilePattern translates a key pattern into an anchored matcher. Only *
// and ? are special; every other glob metacharacter is escaped so that keys
// such as "messages:{a}" match literally.
func compilePattern(pattern string) (glob.Glob, error) {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?':
			b.WriteRune(r)
		case '\\', '[', ']', '{', '}', ',':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("storage: invalid key pattern %q: %w", pattern, err)
	}
	return g, nil
}

// sanitizeKey maps a key to a filesystem- and SQL-safe token. Characters
// outside [A-Za-z0-9._-] become underscores.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// encodeValue marshals a value for storage, passing through pre-encoded JSON.
func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("storage: encode value: %w", err)
		}
		return data, nil
	}
}

// rangeBounds normalizes redis-style start/stop indexes (negative counts
// from the end, stop inclusive) against a list of length n. ok is false when
// the range is empty.
func rangeBounds(start, stop, n int) (int, int, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

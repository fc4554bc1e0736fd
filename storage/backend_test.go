package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestBackends returns one connected backend of each type, rooted in a
// temp directory.
func newTestBackends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()
	storageCtx := &Context{Root: t.TempDir()}

	memory := NewMemoryBackend(nil, nil)
	require.NoError(t, memory.Connect(ctx))

	file, err := NewFileBackend(storageCtx, "test", nil, nil)
	require.NoError(t, err)
	require.NoError(t, file.Connect(ctx))

	backends := map[string]Backend{
		TypeMemory: memory,
		TypeFile:   file,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Disconnect()
		}
	})
	return backends
}

func TestBackendSetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "k1", map[string]int{"n": 1}, 0))

			raw, ok, err := b.Get(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			var decoded map[string]int
			require.NoError(t, json.Unmarshal(raw, &decoded))
			require.Equal(t, map[string]int{"n": 1}, decoded)

			existed, err := b.Delete(ctx, "k1")
			require.NoError(t, err)
			require.True(t, existed)

			// Delete is idempotent.
			existed, err = b.Delete(ctx, "k1")
			require.NoError(t, err)
			require.False(t, existed)

			_, ok, err = b.Get(ctx, "k1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBackendTTLExpiry(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "ttl-key", "v", 30*time.Millisecond))

			_, ok, err := b.Get(ctx, "ttl-key")
			require.NoError(t, err)
			require.True(t, ok)

			time.Sleep(50 * time.Millisecond)

			_, ok, err = b.Get(ctx, "ttl-key")
			require.NoError(t, err)
			require.False(t, ok)

			has, err := b.Has(ctx, "ttl-key")
			require.NoError(t, err)
			require.False(t, has)

			keys, err := b.Keys(ctx, "*")
			require.NoError(t, err)
			require.NotContains(t, keys, "ttl-key")
		})
	}
}

func TestBackendPatternSemantics(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"alpha", "amber", "beta", "a"} {
				require.NoError(t, b.Set(ctx, key, key, 0))
			}

			keys, err := b.Keys(ctx, "a*")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alpha", "amber", "a"}, keys)

			keys, err = b.Keys(ctx, "a????")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alpha", "amber"}, keys)

			deleted, err := b.DeletePattern(ctx, "a*")
			require.NoError(t, err)
			require.Equal(t, 3, deleted)

			keys, err = b.Keys(ctx, "*")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"beta"}, keys)
		})
	}
}

func TestBackendPatternMetacharactersLiteral(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "messages:s1", 1, 0))
			require.NoError(t, b.Set(ctx, "messagesXs1", 2, 0))

			// ":" and other non-glob characters must match literally;
			// the match is anchored, so a bare prefix matches nothing.
			keys, err := b.Keys(ctx, "messages:*")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"messages:s1"}, keys)

			keys, err = b.Keys(ctx, "messages")
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestBackendLists(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, b.LPush(ctx, "list", fmt.Sprintf("item-%d", i)))
			}

			n, err := b.LLen(ctx, "list")
			require.NoError(t, err)
			require.Equal(t, 5, n)

			items, err := b.LRange(ctx, "list", 0, -1)
			require.NoError(t, err)
			require.Len(t, items, 5)
			var first string
			require.NoError(t, json.Unmarshal(items[0], &first))
			require.Equal(t, "item-0", first)

			// Keep the middle three.
			require.NoError(t, b.LTrim(ctx, "list", 1, 3))
			items, err = b.LRange(ctx, "list", 0, -1)
			require.NoError(t, err)
			require.Len(t, items, 3)
			require.NoError(t, json.Unmarshal(items[0], &first))
			require.Equal(t, "item-1", first)

			// Inverted range empties the list.
			require.NoError(t, b.LTrim(ctx, "list", 1, 0))
			n, err = b.LLen(ctx, "list")
			require.NoError(t, err)
			require.Equal(t, 0, n)
		})
	}
}

func TestBackendIncr(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := b.Incr(ctx, "counter", 1)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			n, err = b.Incr(ctx, "counter", 2)
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			n, err = b.Incr(ctx, "counter", -1)
			require.NoError(t, err)
			require.Equal(t, int64(2), n)
		})
	}
}

func TestBackendMGetMSet(t *testing.T) {
	ctx := context.Background()
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.MSet(ctx, map[string]any{"x": 1, "y": 2}, 0))

			values, err := b.MGet(ctx, []string{"x", "y", "missing"})
			require.NoError(t, err)
			require.Len(t, values, 2)
			require.Contains(t, values, "x")
			require.Contains(t, values, "y")
		})
	}
}

func TestBackendNotConnected(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil, nil)
	_, _, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, b.Set(ctx, "k", 1, 0), ErrNotConnected)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		match   bool
	}{
		{"*", "anything", true},
		{"a*", "alpha", true},
		{"a*", "beta", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"a[b]c", "a[b]c", true}, // brackets are literal
		{"a[b]c", "abc", false},
		{"a{b,c}", "a{b,c}", true}, // braces are literal
		{"a{b,c}", "ab", false},
		{"session:*", "session:default", true},
		{"session:*", "sessions", false},
	}
	for _, tc := range tests {
		t.Run(tc.pattern+"/"+tc.input, func(t *testing.T) {
			g, err := compilePattern(tc.pattern)
			require.NoError(t, err)
			require.Equal(t, tc.match, g.Match(tc.input))
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	require.Equal(t, "messages_s1", sanitizeKey("messages:s1"))
	require.Equal(t, "a.b_c-d", sanitizeKey("a.b/c-d"))
	require.Equal(t, "plain", sanitizeKey("plain"))
}

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackendMaxSize(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(&BackendConfig{MaxSize: 2}, nil)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	require.NoError(t, b.Set(ctx, "a", 1, 0))
	require.NoError(t, b.Set(ctx, "b", 2, 0))

	// A new key over the limit fails; nothing is evicted.
	require.ErrorIs(t, b.Set(ctx, "c", 3, 0), ErrSizeLimitExceeded)

	// Overwriting an existing key is fine.
	require.NoError(t, b.Set(ctx, "a", 10, 0))

	keys, err := b.Keys(ctx, "*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestMemoryBackendSweep(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(&BackendConfig{CleanupInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	require.NoError(t, b.Set(ctx, "short", 1, 5*time.Millisecond))
	require.NoError(t, b.Set(ctx, "long", 2, time.Hour))

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		_, ok := b.entries["short"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok, err := b.Get(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryBackendIncrConcurrent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil, nil)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	const workers = 10
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := b.Incr(ctx, "c", 1)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := b.Incr(ctx, "c", 0)
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker), n)
}

func TestMemoryBackendReconnect(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil, nil)
	require.NoError(t, b.Connect(ctx))
	require.True(t, b.IsConnected())
	require.NoError(t, b.Disconnect())
	require.False(t, b.IsConnected())
	require.NoError(t, b.Disconnect()) // idempotent
	require.NoError(t, b.Connect(ctx))
	require.True(t, b.IsConnected())
	require.NoError(t, b.Disconnect())
}

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/storage"
)

func newTestStore(t *testing.T) *storage.Manager {
	t.Helper()
	m, err := storage.NewManager(&storage.Context{Root: t.TempDir()}, storage.ManagerConfig{
		Default: &storage.BackendConfig{Type: storage.TypeMemory},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h, err := NewHistory(ctx, store, "s1", nil)
	require.NoError(t, err)

	require.NoError(t, h.AddMessage(ctx, llm.NewUserMessage("first", nil)))
	require.NoError(t, h.AddMessage(ctx, llm.NewAssistantMessage("second", nil)))

	msgs, err := h.GetMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHistoryUnknownSessionIsEmpty(t *testing.T) {
	ctx := context.Background()
	h, err := NewHistory(ctx, newTestStore(t), "never-used", nil)
	require.NoError(t, err)

	msgs, err := h.GetMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHistoryIsolatedPerSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h1, err := NewHistory(ctx, store, "s1", nil)
	require.NoError(t, err)
	h2, err := NewHistory(ctx, store, "s2", nil)
	require.NoError(t, err)

	require.NoError(t, h1.AddMessage(ctx, llm.NewUserMessage("only s1", nil)))

	msgs, err := h2.GetMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHistoryClear(t *testing.T) {
	ctx := context.Background()
	h, err := NewHistory(ctx, newTestStore(t), "s1", nil)
	require.NoError(t, err)

	require.NoError(t, h.AddMessage(ctx, llm.NewUserMessage("gone soon", nil)))
	require.NoError(t, h.Clear(ctx))

	msgs, err := h.GetMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

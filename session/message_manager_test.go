package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexto-ai/dexto/llm"
)

func TestMessageManagerPassesThroughUnderBudget(t *testing.T) {
	ctx := context.Background()
	h, err := NewHistory(ctx, newTestStore(t), "s1", nil)
	require.NoError(t, err)
	mm := NewMessageManager(h, llm.NewTokenizer("stub"), 100000, nil)

	require.NoError(t, mm.Append(ctx, llm.NewUserMessage("hello", nil)))
	require.NoError(t, mm.Append(ctx, llm.NewAssistantMessage("hi", nil)))

	msgs, err := mm.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMessageManagerTrimsOldestTurns(t *testing.T) {
	ctx := context.Background()
	h, err := NewHistory(ctx, newTestStore(t), "s1", nil)
	require.NoError(t, err)

	// A budget that fits roughly one turn of this size.
	long := strings.Repeat("x", 400) // ~100 tokens
	mm := NewMessageManager(h, llm.NewTokenizer("stub"), 250, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, mm.Append(ctx, llm.NewUserMessage(long, nil)))
		require.NoError(t, mm.Append(ctx, llm.NewAssistantMessage(long, nil)))
	}

	msgs, err := mm.Messages(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Less(t, len(msgs), 6)
	// The newest turn survives and starts at a user message.
	assert.Equal(t, llm.RoleUser, msgs[0].Role)

	// Stored history is untouched by trimming.
	stored, err := h.GetMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestMessageManagerKeepsLastTurnEvenOverBudget(t *testing.T) {
	ctx := context.Background()
	h, err := NewHistory(ctx, newTestStore(t), "s1", nil)
	require.NoError(t, err)
	mm := NewMessageManager(h, llm.NewTokenizer("stub"), 1, nil)

	require.NoError(t, mm.Append(ctx, llm.NewUserMessage("far too long for one token", nil)))
	require.NoError(t, mm.Append(ctx, llm.NewAssistantMessage("still here", nil)))

	msgs, err := mm.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

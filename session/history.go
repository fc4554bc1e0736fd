// Package session implements per-conversation state: durable message
// history, the chat session driving one conversation, and the manager that
// owns the session pool.
package session

import (
	"context"
	"fmt"

	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/slogger"
	"github.com/dexto-ai/dexto/storage"
)

// History is the durable, append-only message log of one session.
type History struct {
	coll   *storage.CollectionProvider
	logger slogger.Logger
}

// NewHistory opens the message collection for a session.
func NewHistory(ctx context.Context, store *storage.Manager, sessionID string, logger slogger.Logger) (*History, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	coll, err := store.Collection(ctx, storage.PurposeHistory, "messages:"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: open history for %q: %w", sessionID, err)
	}
	return &History{coll: coll, logger: logger}, nil
}

// AddMessage appends one message. A failed save leaves prior messages
// intact and is surfaced to the caller.
func (h *History) AddMessage(ctx context.Context, msg llm.Message) error {
	if err := h.coll.Add(ctx, msg); err != nil {
		return fmt.Errorf("session: save message: %w", err)
	}
	return nil
}

// GetMessages returns the full history in chronological order. Unknown
// sessions read as empty. Corrupt records are skipped with a warning.
func (h *History) GetMessages(ctx context.Context) ([]llm.Message, error) {
	raw, err := h.coll.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: load history: %w", err)
	}
	msgs := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := llm.DecodeMessage(item)
		if err != nil {
			h.logger.Warn("session: skipping corrupt message record", "collection", h.coll.Name(), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (h *History) Count(ctx context.Context) (int, error) {
	return h.coll.Count(ctx)
}

// Clear deletes the session's history.
func (h *History) Clear(ctx context.Context) error {
	return h.coll.Clear(ctx)
}

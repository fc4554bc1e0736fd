package session

import (
	"context"

	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/slogger"
)

// MessageManager layers a token budget over a session's history. Append
// always persists; Messages trims the oldest turns from its view when the
// estimate exceeds the budget, leaving stored history untouched.
type MessageManager struct {
	history   *History
	tokenizer llm.Tokenizer
	maxTokens int
	logger    slogger.Logger
}

// NewMessageManager binds a history to a tokenizer and budget.
func NewMessageManager(history *History, tokenizer llm.Tokenizer, maxTokens int, logger slogger.Logger) *MessageManager {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &MessageManager{
		history:   history,
		tokenizer: tokenizer,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// SetBudget replaces the tokenizer and budget after a model switch.
func (m *MessageManager) SetBudget(tokenizer llm.Tokenizer, maxTokens int) {
	m.tokenizer = tokenizer
	m.maxTokens = maxTokens
}

// Append persists one message.
func (m *MessageManager) Append(ctx context.Context, msg llm.Message) error {
	return m.history.AddMessage(ctx, msg)
}

// Messages returns the history, compressed to the token budget.
func (m *MessageManager) Messages(ctx context.Context) ([]llm.Message, error) {
	msgs, err := m.history.GetMessages(ctx)
	if err != nil {
		return nil, err
	}
	return m.compress(msgs), nil
}

// compress drops whole turns from the front until the estimate fits. The
// most recent turn always survives.
func (m *MessageManager) compress(msgs []llm.Message) []llm.Message {
	if m.maxTokens <= 0 {
		return msgs
	}
	dropped := 0
	for m.tokenizer.CountMessages(msgs) > m.maxTokens {
		cut := nextTurnStart(msgs)
		if cut == 0 {
			break
		}
		dropped += cut
		msgs = msgs[cut:]
	}
	if dropped > 0 {
		m.logger.Debug("session: trimmed history to token budget",
			"dropped_messages", dropped, "max_tokens", m.maxTokens)
	}
	return msgs
}

// nextTurnStart returns the index of the second user message, i.e. how many
// messages the oldest turn spans. Returns 0 when only one turn remains.
func nextTurnStart(msgs []llm.Message) int {
	seenFirst := false
	for i, msg := range msgs {
		if msg.Role != llm.RoleUser {
			continue
		}
		if !seenFirst {
			seenFirst = true
			continue
		}
		return i
	}
	return 0
}

package llm

// Tokenizer estimates token usage for budget decisions. Estimates only need
// to be stable and roughly proportional, not exact.
type Tokenizer interface {
	// Provider returns the provider family the tokenizer was built for.
	Provider() string

	// CountTokens estimates the tokens in a piece of text.
	CountTokens(text string) int

	// CountMessages estimates the tokens in a message list, including
	// per-message framing overhead.
	CountMessages(msgs []Message) int
}

// messageOverhead approximates the framing tokens each message adds.
const messageOverhead = 4

// estimator approximates tokens as characters divided by four, which tracks
// English text closely enough for trimming decisions across providers.
type estimator struct {
	provider string
}

// NewTokenizer returns the estimator for a provider family.
func NewTokenizer(provider string) Tokenizer {
	return &estimator{provider: provider}
}

func (e *estimator) Provider() string { return e.provider }

func (e *estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func (e *estimator) CountMessages(msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		total += messageOverhead + e.CountTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += messageOverhead + e.CountTokens(call.Name)
			for _, v := range call.Arguments {
				if s, ok := v.(string); ok {
					total += e.CountTokens(s)
				}
			}
		}
	}
	return total
}

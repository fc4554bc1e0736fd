package llm

import "strings"

// defaultContextWindow is used for models the registry does not know.
const defaultContextWindow = 128000

// contextWindows maps model name prefixes to context window sizes in tokens.
// Longest matching prefix wins.
var contextWindows = map[string]int{
	"gpt-4.1":        1047576,
	"gpt-4o":         128000,
	"gpt-4":          8192,
	"gpt-3.5-turbo":  16385,
	"o3":             200000,
	"o4-mini":        200000,
	"claude-":        200000,
	"gemini-1.5-pro": 2097152,
	"gemini-":        1048576,
	"llama-3":        128000,
	"mistral-":       32768,
	"deepseek-":      65536,
	"grok-":          131072,
}

// LookupMaxTokens returns the context window for the model, falling back to
// a conservative default for unknown models.
func LookupMaxTokens(provider, model string) int {
	normalized := strings.ToLower(model)
	best, bestLen := defaultContextWindow, 0
	for prefix, window := range contextWindows {
		if strings.HasPrefix(normalized, prefix) && len(prefix) > bestLen {
			best, bestLen = window, len(prefix)
		}
	}
	return best
}

package llm

import "fmt"

// Formatter shapes a conversation for the router in use before it is handed
// to the provider.
type Formatter interface {
	// Router returns the router the formatter was built for.
	Router() string

	// Format prepares the message list for the provider. The system prompt
	// is passed separately so routers can decide where it lives.
	Format(system string, msgs []Message) []Message
}

// NewFormatter returns the formatter for a router. Unknown routers fall back
// to the in-built formatter.
func NewFormatter(router string) Formatter {
	if router == RouterVercel {
		return vercelFormatter{}
	}
	return inBuiltFormatter{}
}

// inBuiltFormatter passes messages through untouched. The system prompt
// travels out of band on the request.
type inBuiltFormatter struct{}

func (inBuiltFormatter) Router() string { return RouterInBuilt }

func (inBuiltFormatter) Format(system string, msgs []Message) []Message {
	return msgs
}

// vercelFormatter produces the flattened shape the Vercel-style transport
// expects: the system prompt leads the list and tool results are folded into
// user-role messages.
type vercelFormatter struct{}

func (vercelFormatter) Router() string { return RouterVercel }

func (vercelFormatter) Format(system string, msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	for _, msg := range msgs {
		if msg.Role == RoleTool {
			out = append(out, Message{
				Role:    RoleUser,
				Content: fmt.Sprintf("[tool %s result] %s", msg.ToolName, msg.Content),
			})
			continue
		}
		out = append(out, msg)
	}
	return out
}

package mcp

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotConnected is returned when using a client that is not live.
	ErrNotConnected = errors.New("mcp client not connected")

	// ErrToolNotFound is returned when no connected server owns a tool.
	ErrToolNotFound = errors.New("mcp tool not found")

	// ErrPromptNotFound is returned when no connected server owns a prompt.
	ErrPromptNotFound = errors.New("mcp prompt not found")

	// ErrNoServersConnected is returned by lenient initialization when
	// servers were configured but none could be reached.
	ErrNoServersConnected = errors.New("no mcp servers connected")
)

// InitError reports the servers that failed to initialize and under which
// mode the failure policy applied.
type InitError struct {
	Mode   InitMode
	Failed map[string]error
}

func (e *InitError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("mcp initialization failed (%s mode) for servers %v", e.Mode, names)
}

package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StdioHook writes event data to stderr in one of two formats, for shell
// scripts driving the emulator to observe multiplexer lifecycle events
// without linking against this package.
type StdioHook struct {
	id     string
	format string // "json" or "env"
	output *os.File
}

// NewStdioHook creates a stdio hook writing to stderr.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{id: id, format: format, output: os.Stderr}
}

// Execute outputs event in the configured format.
func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	switch h.format {
	case "json":
		return h.outputJSON(event)
	case "env":
		return h.outputEnv(event)
	default:
		return fmt.Errorf("stdio hook %s: unsupported format: %s", h.id, h.format)
	}
}

// Type returns the hook type.
func (h *StdioHook) Type() string { return "stdio" }

// ID returns the hook ID.
func (h *StdioHook) ID() string { return h.id }

func (h *StdioHook) outputJSON(event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stdio hook %s: failed to marshal JSON: %w", h.id, err)
	}
	_, err = fmt.Fprintf(h.output, "QEMUD_EVENT: %s\n", jsonData)
	return err
}

func (h *StdioHook) outputEnv(event Event) error {
	lines := []string{
		"# qemud event: " + string(event.Type),
		fmt.Sprintf("QEMUD_EVENT_TYPE=%s", event.Type),
		fmt.Sprintf("QEMUD_TIMESTAMP=%d", event.Timestamp),
	}
	if event.Service != "" {
		lines = append(lines, "QEMUD_SERVICE="+event.Service)
	}
	if event.Channel != 0 {
		lines = append(lines, fmt.Sprintf("QEMUD_CHANNEL=%d", event.Channel))
	}
	for key, value := range event.Data {
		lines = append(lines, "QEMUD_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := fmt.Fprintln(h.output, line); err != nil {
			return fmt.Errorf("stdio hook %s: failed to write env line: %w", h.id, err)
		}
	}
	return nil
}

package diag

import "context"

// Hook represents an observer invoked when a multiplexer lifecycle event
// occurs.
type Hook interface {
	// Execute runs the hook with the given event.
	Execute(ctx context.Context, event Event) error

	// Type returns the hook type identifier.
	Type() string

	// ID returns a unique identifier for this hook instance.
	ID() string
}

// Config configures a Manager's execution behavior.
type Config struct {
	// Timeout is a duration string (default: 5s). NewManager only checks
	// that it parses and logs a warning if not; hook executions are not
	// cancelled or bounded by it.
	Timeout string `json:"timeout" yaml:"timeout"`

	// Concurrency caps the number of hooks executing at once (default: 10).
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// StdioFormat enables structured stdio output: "json", "env", or "" to
	// disable it.
	StdioFormat string `json:"stdio_format" yaml:"stdio_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     "5s",
		Concurrency: 10,
		StdioFormat: "",
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds flag values prior to translation into multiplexer/config
// construction, so main.go can validate and map.
type cliConfig struct {
	serialIn  string
	serialOut string
	manifest  string
	legacy    bool
	logLevel  string

	hookStdioFormat string
	hookTimeout     string
	hookConcurrency int

	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("qemud", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.serialIn, "serial-in", "-", "Path to read inbound serial frames from ('-' for stdin)")
	fs.StringVar(&cfg.serialOut, "serial-out", "-", "Path to write outbound serial frames to ('-' for stdout)")
	fs.StringVar(&cfg.manifest, "config", "", "Path to the YAML service manifest (optional; max_clients hot-reloads)")
	fs.BoolVar(&cfg.legacy, "legacy-support", false, "Enable the legacy pre-channel-0-control negotiation probe")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.hookStdioFormat, "hook-stdio-format", "", "Enable structured lifecycle-event output: json|env (empty=disabled)")
	fs.StringVar(&cfg.hookTimeout, "hook-timeout", "5s", "Lifecycle-event hook timeout (validated only; hook executions are not bounded by it)")
	fs.IntVar(&cfg.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent lifecycle-event hook executions")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	if cfg.hookStdioFormat != "" && cfg.hookStdioFormat != "json" && cfg.hookStdioFormat != "env" {
		return nil, fmt.Errorf("invalid hook-stdio-format %q, must be 'json' or 'env'", cfg.hookStdioFormat)
	}
	if cfg.hookConcurrency < 1 || cfg.hookConcurrency > 100 {
		return nil, fmt.Errorf("hook-concurrency must be between 1 and 100, got %d", cfg.hookConcurrency)
	}

	return cfg, nil
}

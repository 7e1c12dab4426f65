package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager dispatches multiplexer lifecycle events to the hooks registered
// for them, running each asynchronously against a bounded worker pool so a
// slow or hung observer never stalls the event loop that raised the event.
type Manager struct {
	mu        sync.RWMutex
	hooks     map[EventType][]Hook
	stdioHook *StdioHook
	pool      *executionPool
	logger    *slog.Logger
	config    Config
}

// NewManager creates a Manager. A nil logger falls back to slog.Default.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := time.ParseDuration(config.Timeout); err != nil {
		logger.Warn("invalid hook timeout, using default", "timeout", config.Timeout, "error", err)
	}

	m := &Manager{
		hooks:  make(map[EventType][]Hook),
		logger: logger,
		config: config,
		pool:   newExecutionPool(config.Concurrency, logger),
	}
	if config.StdioFormat != "" {
		_ = m.EnableStdioOutput(config.StdioFormat)
	}
	return m
}

// RegisterHook adds hook to the observers notified for eventType.
func (m *Manager) RegisterHook(eventType EventType, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("diag: cannot register nil hook")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[eventType] = append(m.hooks[eventType], hook)
	m.logger.Info("hook registered", "event_type", eventType, "hook_type", hook.Type(), "hook_id", hook.ID())
	return nil
}

// UnregisterHook removes a hook by ID from eventType's observer list.
func (m *Manager) UnregisterHook(eventType EventType, hookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.hooks[eventType]
	for i, h := range hooks {
		if h.ID() == hookID {
			m.hooks[eventType] = append(hooks[:i], hooks[i+1:]...)
			return true
		}
	}
	return false
}

// TriggerEvent notifies every hook registered for event.Type, plus the
// stdio hook if enabled. A nil Manager is a valid no-op receiver, so
// components can hold an optional *Manager without a nil check at every call
// site.
func (m *Manager) TriggerEvent(ctx context.Context, event Event) {
	if m == nil {
		return
	}

	m.mu.RLock()
	hooks := make([]Hook, len(m.hooks[event.Type]))
	copy(hooks, m.hooks[event.Type])
	if m.stdioHook != nil {
		hooks = append(hooks, m.stdioHook)
	}
	m.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}

	m.logger.Debug("triggering event", "event_type", event.Type, "hook_count", len(hooks), "event", event.String())
	for _, hook := range hooks {
		m.pool.execute(ctx, hook, event)
	}
}

// EnableStdioOutput turns on structured stdio output in the given format
// ("json" or "env").
func (m *Manager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("diag: unsupported stdio format: %s", format)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = NewStdioHook("stdio", format)
	return nil
}

// DisableStdioOutput turns off structured stdio output.
func (m *Manager) DisableStdioOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = nil
}

// Close shuts the manager down, waiting for in-flight hook executions.
func (m *Manager) Close() error {
	if m.pool != nil {
		m.pool.close()
	}
	return nil
}

// executionPool bounds the number of hooks that may run concurrently.
type executionPool struct {
	workers chan struct{}
	logger  *slog.Logger
}

func newExecutionPool(size int, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{workers: make(chan struct{}, size), logger: logger}
}

func (ep *executionPool) execute(ctx context.Context, hook Hook, event Event) {
	go func() {
		ep.workers <- struct{}{}
		defer func() { <-ep.workers }()

		start := time.Now()
		err := hook.Execute(ctx, event)
		duration := time.Since(start)

		if err != nil {
			ep.logger.Error("hook execution failed",
				"hook_type", hook.Type(), "hook_id", hook.ID(),
				"event_type", event.Type, "duration_ms", duration.Milliseconds(), "error", err)
			return
		}
		ep.logger.Debug("hook executed",
			"hook_type", hook.Type(), "hook_id", hook.ID(),
			"event_type", event.Type, "duration_ms", duration.Milliseconds())
	}()
}

func (ep *executionPool) close() {
	for i := 0; i < cap(ep.workers); i++ {
		ep.workers <- struct{}{}
	}
}

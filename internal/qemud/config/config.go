// Package config loads the service manifest that tells the multiplexer's
// entrypoint what client caps to apply to already-registered services, and
// watches the manifest file for changes so max_clients can be tuned without a
// restart. The manifest does not decide which services get registered.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fsnotify/fsnotify"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/logger"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// ServiceConfig describes one entry in the manifest's service list.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	MaxClients int    `yaml:"max_clients"`
}

// Manifest is the top-level shape of the YAML service manifest.
// LegacySupport records the manifest author's expectation for the
// legacy-protocol switch; the entrypoint logs a warning if it disagrees
// with the -legacy-support flag actually in effect, since changing it
// requires a restart and isn't hot-reloaded like Services' max_clients.
type Manifest struct {
	LegacySupport bool            `yaml:"legacy_support"`
	Services      []ServiceConfig `yaml:"services"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.NewConfigError("config.load", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, qerrors.NewConfigError("config.load", fmt.Errorf("parsing %s: %w", path, err))
	}
	return &m, nil
}

// MaxClients returns the configured client cap for name, and whether the
// manifest mentions that service at all.
func (m *Manifest) MaxClients(name string) (int, bool) {
	for _, s := range m.Services {
		if s.Name == name {
			return s.MaxClients, true
		}
	}
	return 0, false
}

// Watcher reloads the manifest whenever its file changes and reports each
// successfully reloaded Manifest to OnReload. Only the manifest's
// max_clients entries are meant to change hot; adding/removing services or
// flipping legacy_support still requires a restart, matching the spec's "the
// only recognized build-time configuration is the legacy-protocol switch"
// stance for everything except client caps.
type Watcher struct {
	path     string
	fswatch  *fsnotify.Watcher
	OnReload func(*Manifest)

	mu      sync.Mutex
	current *Manifest

	done chan struct{}
}

// NewWatcher starts watching path's containing directory (fsnotify cannot
// watch a single file reliably across editors that replace it via rename),
// filtering events down to path itself.
func NewWatcher(path string, initial *Manifest) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, qerrors.NewConfigError("config.watch", err)
	}
	dir := "."
	if idx := lastSlash(path); idx >= 0 {
		dir = path[:idx]
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, qerrors.NewConfigError("config.watch", err)
	}

	w := &Watcher{path: path, fswatch: fw, current: initial, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fswatch.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fswatch.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		logger.Warn("config reload failed, keeping previous manifest", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = m
	w.mu.Unlock()
	logger.Info("config manifest reloaded", "path", w.path, "services", len(m.Services))
	if w.OnReload != nil {
		w.OnReload(m)
	}
}

// Current returns the most recently successfully loaded manifest.
func (w *Watcher) Current() *Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watch.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fswatch.Close()
}

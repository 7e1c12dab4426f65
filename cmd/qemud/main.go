// Command qemud runs the QEMUD multiplexer as a standalone process, reading
// serial frames from -serial-in and writing replies to -serial-out, with the
// hw-control and boot-properties reference services registered by default.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/logger"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/config"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/diag"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/mux"
	"github.com/aosp-mirror/platform-external-qemu-sub026/services/bootprops"
	"github.com/aosp-mirror/platform-external-qemu-sub026/services/hwcontrol"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	in, out, closeFn, err := openSerial(cfg)
	if err != nil {
		log.Error("failed to open serial endpoints", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	m := mux.New(out, cfg.legacy)
	hwcontrol.Register(m.Services(), m.NewClient)
	bootprops.Register(m.Services(), m.NewClient)

	diagManager := diag.NewManager(diag.Config{
		Timeout:     cfg.hookTimeout,
		Concurrency: cfg.hookConcurrency,
		StdioFormat: cfg.hookStdioFormat,
	}, slog.Default())
	m.SetDiag(diagManager)
	defer diagManager.Close()

	if cfg.manifest != "" {
		manifest, err := config.Load(cfg.manifest)
		if err != nil {
			log.Error("failed to load service manifest", "error", err)
			os.Exit(1)
		}
		if manifest.LegacySupport != cfg.legacy {
			log.Warn("manifest legacy_support disagrees with -legacy-support, flag wins",
				"manifest", manifest.LegacySupport, "flag", cfg.legacy)
		}
		applyManifest(m, manifest, log)

		watcher, err := config.NewWatcher(cfg.manifest, manifest)
		if err != nil {
			log.Warn("failed to start config watcher, max_clients will not hot-reload", "error", err)
		} else {
			watcher.OnReload = func(mf *config.Manifest) { applyManifest(m, mf, log) }
			defer watcher.Close()
		}
	}

	if cfg.legacy {
		if err := m.Probe(); err != nil {
			log.Error("failed to send legacy negotiation probe", "error", err)
			os.Exit(1)
		}
	}

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(in) }()

	log.Info("qemud started", "legacy_support", cfg.legacy, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-runDone:
		if err != nil && err != io.EOF {
			log.Error("serial read loop exited with error", "error", err)
			os.Exit(1)
		}
		log.Info("serial input closed, exiting")
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	select {
	case <-runDone:
		log.Info("qemud stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// applyManifest pushes the manifest's legacy_support-independent max_clients
// values onto whichever registered services it names; services the manifest
// doesn't mention keep whatever cap their Register call set.
func applyManifest(m *mux.Multiplexer, manifest *config.Manifest, log *slog.Logger) {
	for _, sc := range manifest.Services {
		sv := m.Services().Find(sc.Name)
		if sv == nil {
			log.Warn("manifest names a service that was never registered", "service", sc.Name)
			continue
		}
		sv.MaxClients = sc.MaxClients
		log.Info("applied manifest max_clients", "service", sc.Name, "max_clients", sc.MaxClients)
	}
}

// openSerial resolves the -serial-in/-serial-out flags to readable/writable
// endpoints, defaulting to stdin/stdout. closeFn closes whichever of the two
// were opened as real files (stdin/stdout are left open for the process).
func openSerial(cfg *cliConfig) (io.Reader, io.Writer, func(), error) {
	var in io.Reader = os.Stdin
	var out io.Writer = os.Stdout
	var toClose []io.Closer

	if cfg.serialIn != "-" {
		f, err := os.Open(cfg.serialIn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening serial-in %s: %w", cfg.serialIn, err)
		}
		in = f
		toClose = append(toClose, f)
	}
	if cfg.serialOut != "-" {
		f, err := os.OpenFile(cfg.serialOut, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			for _, c := range toClose {
				c.Close()
			}
			return nil, nil, nil, fmt.Errorf("opening serial-out %s: %w", cfg.serialOut, err)
		}
		out = f
		toClose = append(toClose, f)
	}

	return in, out, func() {
		for _, c := range toClose {
			c.Close()
		}
	}, nil
}

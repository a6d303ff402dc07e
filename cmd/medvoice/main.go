// Command medvoice is the main entry point for the MedVoice telephony
// receptionist.
//
// Usage:
//
//	medvoice -config /path/to/config.yaml -env .env
//
// When the config file does not exist the server is configured from the
// environment alone. SIGINT and SIGTERM trigger a graceful shutdown: live
// calls are hung up and their summaries persisted before the HTTP server
// stops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/medvoice/internal/app"
	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// ── Environment & config ────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "medvoice: %v\n", err)
		return 1
	}

	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "medvoice: %v\n", err)
		return 1
	}

	// ── Logger ──────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(cfg.Server.LogFormat, levelVar)
	slog.SetDefault(logger)

	slog.Info("starting medvoice",
		"version", version,
		"config", configSource(*configPath, fromFile),
		"environment", cfg.Server.Environment,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ───────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    string(cfg.Server.Environment),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	// ── Application ─────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, &providers,
		app.WithLogLevel(levelVar),
		app.WithVersion(version),
		app.WithMetrics(tel.Metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if fromFile {
		watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			if err := application.Reload(next); err != nil {
				slog.Error("config reload failed", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Run ─────────────────────────────────────────────────────────────────
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("server error", "err", runErr)
	}

	slog.Info("shutting down", "active_calls", application.Calls().Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, falling back to environment-only configuration
// when the file does not exist. The boolean reports whether the file was
// used.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg, err = config.FromEnv()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "environment"
}

// newLogger builds the process logger. The level is read from levelVar on
// every record so a config reload can change it in place.
func newLogger(format config.LogFormat, levelVar *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

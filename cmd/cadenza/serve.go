package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/observe"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	*rootOptions
	watch       bool
	sampleRatio float64
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its control and output websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "poll the config file and apply hot-reloadable edits (SIGHUP always reloads)")
	cmd.Flags().Float64Var(&opts.sampleRatio, "trace-sample-ratio", 0, "fraction of traces to sample (0 samples all)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, logOut io.Writer) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", opts.configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(logOut, level))

	slog.Info("cadenza starting",
		"version", version,
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"players", len(cfg.Players),
		"corpora", len(cfg.Corpora),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:   version,
		TraceSampleRatio: opts.sampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithLevel(level),
		app.WithConfigPath(opts.configPath, opts.watch),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// SIGHUP reloads the config whether or not the file is polled.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := application.Reload(); err != nil {
					slog.Warn("reload failed, keeping previous config", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")
	var runErr error
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		runErr = fmt.Errorf("run: %w", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return runErr
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anglebinbin/Barista-tool-sub000/lib/config"
	"github.com/anglebinbin/Barista-tool-sub000/lib/project"
	"github.com/anglebinbin/Barista-tool-sub000/lib/scheduler"
	"github.com/anglebinbin/Barista-tool-sub000/lib/sessionhost"
	"github.com/anglebinbin/Barista-tool-sub000/lib/version"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "configuration file (default: $"+config.EnvVar+")")
	listen := flag.String("listen", "", "listen address (overrides host.listen)")
	root := flag.String("root", "", "project directory (overrides paths.root)")
	logFormat := flag.String("log-format", "", "json or text (overrides log.format)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("barista-host %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Host.Listen = *listen
	}
	if *root != "" {
		cfg.Paths.Root = *root
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := newLogger(cfg, os.Stderr)
	trainer, err := cfg.TrainerPath()
	if err != nil {
		return err
	}
	compression, err := wire.ParseCompression(cfg.Host.Compression)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := scheduler.New(scheduler.Config{
		MaxWorkers:  cfg.Scheduler.Workers,
		PollTimeout: cfg.Scheduler.PollTimeout.Std(),
		IdlePolls:   cfg.Scheduler.IdlePolls,
		Logger:      logger,
	})
	defer pool.Close()

	p, err := project.Open(cfg.Paths.Root, project.Options{
		Trainer:     trainer,
		TrainerArgs: cfg.Trainer.Args,
		GracePeriod: cfg.Trainer.GracePeriod.Std(),
		Scheduler:   pool,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("opening project %s: %w", cfg.Paths.Root, err)
	}

	server, err := sessionhost.New(p, sessionhost.Config{
		Wire:   wire.Options{Compression: compression, Logger: logger},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pool.Activate(func() {
		logger.Info("log replay idle", "sessions", len(p.Sessions()))
	})

	logger.Info("barista host running",
		"version", version.Info(),
		"project", p.ID(),
		"root", cfg.Paths.Root,
		"trainer", trainer,
		"sessions", len(p.Sessions()),
		"replay_workers", pool.MaxWorkers(),
		"compression", compression,
	)

	// Trainers keep running after shutdown. Their process groups are
	// in the status documents, so a restarted host reports them as
	// RUNNING and can pause or reset them, but never starts a second
	// trainer beside one.
	if err := server.ListenAndServe(ctx, cfg.Host.Listen); err != nil {
		return err
	}
	logger.Info("barista host stopped")
	return nil
}

// loadConfig reads path, or $BARISTA_CONFIG when path is empty. The
// host has no built-in fallback.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

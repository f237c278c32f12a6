// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/anglebinbin/Barista-tool-sub000/lib/config"
	"github.com/anglebinbin/Barista-tool-sub000/lib/remote"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// connection holds the flags every command uses to reach a host.
type connection struct {
	configPath string
	address    string
	timeout    time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.configPath, "config", "", "configuration file (default: $"+config.EnvVar+", else built-in defaults)")
	flagSet.StringVar(&c.address, "host", "", "session host address (overrides client.address)")
	flagSet.DurationVar(&c.timeout, "timeout", 0, "request timeout (overrides client.request_timeout)")
}

// loadConfig reads --config, then $BARISTA_CONFIG, then falls back to
// the defaults.
func (c *connection) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case c.configPath != "":
		cfg, err = config.LoadFile(c.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if c.address != "" {
		cfg.Client.Address = c.address
	}
	if c.timeout > 0 {
		cfg.Client.RequestTimeout = config.Duration(c.timeout)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// host builds an unconnected Host from the configuration.
func (c *connection) host() (*remote.Host, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	compression, err := wire.ParseCompression(cfg.Client.Compression)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return remote.NewHost(cfg.Client.Address, remote.HostConfig{
		Wire:           wire.Options{Compression: compression, Logger: logger},
		RequestTimeout: cfg.Client.RequestTimeout.Std(),
		Debounce:       cfg.Client.Debounce.Std(),
		Logger:         logger,
	}), nil
}

// resolve attaches a proxy for the session named by ref, either its
// numeric id or its uid.
func resolve(ctx context.Context, host *remote.Host, ref string) (*remote.Session, error) {
	infos, err := host.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	id, numeric := strconv.Atoi(ref)
	for _, info := range infos {
		if info.UID == ref || (numeric == nil && info.ID == id) {
			return host.Attach(info.UID, info.ID), nil
		}
	}
	return nil, fmt.Errorf("no session %q on %s", ref, host.Address())
}

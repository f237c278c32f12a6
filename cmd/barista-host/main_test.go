// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anglebinbin/Barista-tool-sub000/lib/config"
)

func TestLoadConfigRequiresASource(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	if _, err := loadConfig(""); err == nil {
		t.Fatal("loadConfig without --config or BARISTA_CONFIG succeeded")
	}

	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte("host:\n  listen: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Host.Listen != "127.0.0.1:9000" {
		t.Errorf("listen = %q", cfg.Host.Listen)
	}
}

func TestNewLoggerHonorsFormatAndLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buffer bytes.Buffer
	logger := newLogger(cfg, &buffer)
	logger.Info("dropped")
	logger.Warn("kept", "session_id", 3)

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1: %q", len(lines), buffer.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if record["msg"] != "kept" || record["session_id"] != float64(3) {
		t.Errorf("record = %v", record)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := []string{Version, GitCommit, GitDirty, BuildTime}
	t.Cleanup(func() {
		Version, GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2], saved[3]
	})

	Version, GitCommit, GitDirty, BuildTime = "1.2.0", "abc1234", "true", "2026-10-19T08:00:00Z"
	if got, want := Info(), "1.2.0 (abc1234-dirty, 2026-10-19T08:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	if got, want := Info(), "1.2.0 (abc1234, 2026-10-19T08:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
	if full := Full(); !strings.Contains(full, runtime.Version()) || !strings.HasPrefix(full, Info()) {
		t.Errorf("Full() = %q", full)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Barista
// components.
//
// Configuration is loaded from a single file specified by either the
// BARISTA_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Commands that run without a file use [Default].
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BARISTA_ROOT}, and ${VAR:-default} patterns are expanded.
// Durations are Go duration strings ("1s", "300ms").
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Host, Client, Trainer,
//     Scheduler and Log sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other Barista packages.
package config

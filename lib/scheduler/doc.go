// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs background log ingestion for every known
// session on a bounded pool of worker goroutines.
//
// A Pool is constructed once at startup and handed to every session
// supervisor. Jobs wait in an unbounded priority queue ordered by
// descending session id, so the newest sessions are parsed first; there
// is no aging. At most MaxWorkers jobs run at once (by default
// max(1, NumCPU-2)). Workers are started lazily and exit after a few
// empty polls, so an idle control plane holds no goroutines here.
package scheduler

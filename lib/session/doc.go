// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session supervises training sessions: one external trainer
// process per session, driven through start, pause, proceed, snapshot
// and reset, with its lifecycle state derived from observable facts
// rather than stored.
//
// A session lives in its own directory:
//
//	<dir>/sessionstate.json       status document (see [Status])
//	<dir>/net-internal.prototxt   generated network definition
//	<dir>/solver.prototxt         generated solver definition
//	<dir>/logs/run_<N>.log        trainer output, one file per run
//	<dir>/snapshots/              checkpoints written by the trainer
//
// [Supervisor] is the local implementation of [Session]. The remote
// package provides a proxy implementing the same interface over a wire
// connection, so callers never care where a session runs.
//
// State derivation (see [Supervisor.State]): a failed exit latches
// FAILED until Reset; an attached process means RUNNING (FINISHED once
// the iteration reaches the maximum); otherwise a configuration failing
// [Validate] is INVALID, a completed iteration count is FINISHED, any
// checkpoint on disk is PAUSED, and everything else is WAITING.
//
// Log ingestion is not done inline: Start enqueues the supervisor on a
// scheduler, whose worker calls [Supervisor.ParseLogs] to replay earlier
// run logs and follow the live one.
package session

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the shared test helpers.
//
// [RequireReceive], [RequireClosed] and [Eventually] are the only
// places tests wait on the wall clock; each wraps the timeout safety
// valve so a broken invariant fails the test instead of hanging it.
// [WriteExecutable] drops a small shell script into a test directory
// for tests that need a real child process.
//
// Helpers call t.Fatalf on failure; test setup failures are not
// recoverable.
package testutil

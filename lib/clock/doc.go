// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by every timer in
// the control plane: the pause grace period, the remote write debounce,
// correlated-read timeouts and the scheduler's idle poll.
//
// Production code holds a Clock field set to Real(). Tests hold a
// *FakeClock and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor.Pause(ctx)
//	c.WaitForTimers(1)        // the grace-period sleep is registered
//	c.Advance(time.Second)    // and now it elapses
//
// WaitForTimers removes the race between a goroutine registering a
// timer and the test advancing past it.
package clock

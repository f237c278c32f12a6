// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote drives sessions hosted by another machine. A [Session]
// implements session.Session purely with request/reply exchanges over
// the wire protocol; it never runs a trainer itself.
//
// All proxies for one host share a single [Host] connection, dialed
// lazily by whichever call needs it first. A dispatcher goroutine per
// connection claims push notifications for registered proxies and
// leaves everything else (replies, pushes for unknown sessions) in the
// buffer for the correlated readers.
//
// Lifecycle state and the state dictionary are cached and change only
// through explicit fetches and pushes. SetStateDict is debounced: each
// call restarts a short timer and only the last dictionary is sent. A
// dictionary whose layer order names a layer it does not define is
// rejected with [ErrInconsistentStateDict] and never sent.
//
// When the connection drops or a request goes unanswered, every
// affected proxy reports NOTCONNECTED and records the reason in its
// error list. Nothing retries automatically; the next call dials again.
package remote

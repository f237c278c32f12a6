// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionhost serves a project's local sessions to remote
// peers over the wire protocol.
//
// Each accepted connection runs a dispatch loop: requests are claimed
// from the connection's inbound buffer and handled concurrently, each
// answered with exactly one reply carrying "status" and "error".
// Sessions are addressed by a uid (a random UUID assigned the first
// time the host serves the session, persisted in its status document).
//
// Every local session is observed for its lifetime; notifications are
// pushed to all connected peers as unsolicited SESSION messages
// (UPDATESTATE, UPDATEITERATION, ADDSNAPSHOT, PRINTLOG, UPDATEPARSER,
// PARSEHANDLE, UPDATEKEYS).
package sessionhost

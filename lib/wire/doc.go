// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire is the transport between a Barista control plane and a
// session host: structured messages framed over one persistent byte
// stream, with replies correlated by predicate rather than by arrival
// order.
//
// The package is organized around the message flow:
//
//   - message.go: the Message map, its Key/Subkey vocabulary and the
//     status/error reply convention
//   - codec.go: CBOR encoding of message bodies
//   - compress.go: optional per-frame payload compression (lz4, zstd)
//   - frame.go: [4-byte big-endian length][payload] framing
//   - conn.go: Conn, the inbound buffer and correlated reads
//
// # Correlated reads
//
// One connection carries concurrently issued requests and unsolicited
// pushes. A reader never takes "the next message"; it claims the first
// buffered message satisfying its own predicate (for a session
// request, subkey and uid equal to what it sent). Messages it does not
// want stay buffered for other readers. Every arrival is announced to
// every blocked reader, so arrival order and consumption order are
// independent.
//
// Wait time is bounded twice: by a timeout and by a cap on the number
// of wake-ups a single read may consume. A transport error fails every
// pending and future read; the connection is never retried here.
package wire

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Barista-host serves one training project over TCP. It loads every
// session under the project directory, replays their logs in the
// background (newest sessions first), and answers session requests
// from Barista clients while pushing state, iteration, parser and log
// notifications to every connected client.
//
// Configuration comes from --config or $BARISTA_CONFIG; a few fields
// can be overridden by flags:
//
//	barista-host --config /etc/barista/host.yaml --listen 0.0.0.0:7373
package main

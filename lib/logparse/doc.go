// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logparse is the log-parsing collaborator of a training
// session. Supervisors and remote proxies consume it only through the
// Listener callbacks; the grammar behind them is a replaceable set of
// regular-expression Rules.
//
// Parse consumes an ordered list of streams (historical run logs, then
// the live one) and reports OnStreamsExhausted exactly once, after the
// last stream ends. Follow turns a run-log file that is still being
// written into such a stream.
package logparse

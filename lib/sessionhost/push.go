// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionhost

import (
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// pushObserver turns one session's notifications into push messages.
type pushObserver struct {
	server *Server
	uid    string
}

func (o *pushObserver) push(subkey wire.Subkey) wire.Message {
	return wire.NewSessionMessage(subkey, o.uid)
}

func (o *pushObserver) OnStateChanged(state session.State) {
	o.server.broadcast(o.push(wire.SubkeyUpdateState).With(wire.FieldState, state.String()))
}

func (o *pushObserver) OnIterationChanged(iteration int) {
	o.server.broadcast(o.push(wire.SubkeyUpdateIteration).With(wire.FieldIteration, iteration))
}

func (o *pushObserver) OnSnapshotAdded(checkpoint string) {
	o.server.broadcast(o.push(wire.SubkeyAddSnapshot).With(wire.FieldSnapshot, checkpoint))
}

func (o *pushObserver) OnLogLine(line string) {
	o.server.broadcast(o.push(wire.SubkeyPrintLog).With(wire.FieldLog, line))
}

func (o *pushObserver) OnParserRecord(phase logparse.Phase, row logparse.Row) {
	o.server.broadcast(o.push(wire.SubkeyUpdateParser).
		With(wire.FieldPhase, string(phase)).
		With(wire.FieldRow, map[string]float64(row)))
}

func (o *pushObserver) OnParserEvent(name, line string, captures []string) {
	o.server.broadcast(o.push(wire.SubkeyParseHandle).
		With(wire.FieldEvent, name).
		With(wire.FieldLine, line).
		With(wire.FieldCaptures, nonNil(captures)))
}

func (o *pushObserver) OnParserKey(phase logparse.Phase, key string) {
	o.server.broadcast(o.push(wire.SubkeyUpdateKeys).
		With(wire.FieldPhase, string(phase)).
		With(wire.FieldMetric, key))
}

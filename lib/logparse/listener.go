// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logparse

// Phase names the network phase a record belongs to.
type Phase string

const (
	PhaseTrain Phase = "TRAIN"
	PhaseTest  Phase = "TEST"
)

// KeyIteration is the row key holding the iteration number.
const KeyIteration = "NumIters"

// Row is one parsed record: metric name to value. Every row carries
// KeyIteration.
type Row map[string]float64

// Iteration returns the row's iteration and whether it has one.
func (r Row) Iteration() (int, bool) {
	v, ok := r[KeyIteration]
	return int(v), ok
}

// Semantic event names emitted by the default rules.
const (
	// EventOptimizationDone: the solver reached its last iteration.
	EventOptimizationDone = "OptimizationDone"

	// EventCheckpointWritten: a solver state was written. Captures:
	// [path].
	EventCheckpointWritten = "CheckpointWritten"

	// EventModelWritten: trained weights were written. Captures:
	// [path].
	EventModelWritten = "ModelWritten"

	// EventMaxIteration: the solver announced its iteration limit.
	// Captures: [max_iter].
	EventMaxIteration = "MaxIteration"
)

// Listener receives parse results.
type Listener interface {
	// OnRecord delivers one completed row.
	OnRecord(phase Phase, row Row)

	// OnEvent delivers a line matching an event rule with the rule's
	// capture groups.
	OnEvent(name, line string, captures []string)

	// OnNewKey announces a metric key the first time it appears in a
	// phase.
	OnNewKey(phase Phase, key string)

	// OnStreamsExhausted is called once every stream handed to Parse
	// has ended.
	OnStreamsExhausted()
}

// Listeners fans every callback out to each element in order.
type Listeners []Listener

func (ls Listeners) OnRecord(phase Phase, row Row) {
	for _, l := range ls {
		l.OnRecord(phase, row)
	}
}

func (ls Listeners) OnEvent(name, line string, captures []string) {
	for _, l := range ls {
		l.OnEvent(name, line, captures)
	}
}

func (ls Listeners) OnNewKey(phase Phase, key string) {
	for _, l := range ls {
		l.OnNewKey(phase, key)
	}
}

func (ls Listeners) OnStreamsExhausted() {
	for _, l := range ls {
		l.OnStreamsExhausted()
	}
}

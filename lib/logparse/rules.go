// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logparse

import "regexp"

// EventRule maps lines matching Pattern to a named event.
type EventRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// RecordRules recognizes the lines that make up rows. Iteration
// patterns capture the iteration number as group 1 and may capture an
// inline value as group 2 (stored under InlineKey). Metric patterns
// capture the key as group 1 and the value as group 2.
type RecordRules struct {
	Iteration *regexp.Regexp
	InlineKey string
	Metric    *regexp.Regexp
	// Extra lines carrying one value for the current row, keyed by
	// the map key; the value is capture group 1.
	Extra map[string]*regexp.Regexp
}

// Rules is a complete grammar.
type Rules struct {
	Events []EventRule
	Train  RecordRules
	Test   RecordRules
}

const number = `([-+]?(?:\d+\.?\d*(?:[eE][-+]?\d+)?|nan|inf|-inf))`

// DefaultRules recognizes the trainer's standard glog output.
func DefaultRules() Rules {
	return Rules{
		Events: []EventRule{
			{Name: EventOptimizationDone, Pattern: regexp.MustCompile(`Optimization Done\.`)},
			{Name: EventCheckpointWritten, Pattern: regexp.MustCompile(`Snapshotting solver state to (?:binary proto|HDF5) file (\S+)`)},
			{Name: EventModelWritten, Pattern: regexp.MustCompile(`Snapshotting to (?:binary proto|HDF5) file (\S+)`)},
			{Name: EventMaxIteration, Pattern: regexp.MustCompile(`max_iter: (\d+)`)},
		},
		Train: RecordRules{
			Iteration: regexp.MustCompile(`Iteration (\d+)(?: \([^)]*\))?, loss = ` + number),
			InlineKey: "loss",
			Metric:    regexp.MustCompile(`Train net output #\d+: (\S+) = ` + number),
			Extra: map[string]*regexp.Regexp{
				"LearningRate": regexp.MustCompile(`Iteration \d+, lr = ` + number),
			},
		},
		Test: RecordRules{
			Iteration: regexp.MustCompile(`Iteration (\d+), Testing net \(#\d+\)`),
			Metric:    regexp.MustCompile(`Test net output #\d+: (\S+) = ` + number),
		},
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// State is a session's lifecycle state.
type State int

const (
	Undefined State = iota
	Waiting
	Running
	Paused
	Finished
	Failed
	Invalid
	// NotConnected is only ever reported by remote proxies whose
	// connection is gone.
	NotConnected
)

var stateNames = [...]string{
	Undefined:    "UNDEFINED",
	Waiting:      "WAITING",
	Running:      "RUNNING",
	Paused:       "PAUSED",
	Finished:     "FINISHED",
	Failed:       "FAILED",
	Invalid:      "INVALID",
	NotConnected: "NOTCONNECTED",
}

// String returns the wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState maps a wire name back to a State.
func ParseState(name string) (State, error) {
	for state, stateName := range stateNames {
		if stateName == name {
			return State(state), nil
		}
	}
	return Undefined, fmt.Errorf("unknown session state %q", name)
}

// ErrWrongState is matched (via errors.Is) by every *StateError.
var ErrWrongState = errors.New("operation not allowed in current state")

// ErrSpawn wraps a failure to start the trainer process.
var ErrSpawn = errors.New("spawning trainer")

// StateError reports an operation whose state precondition did not
// hold. The session is unchanged.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrWrongState
}

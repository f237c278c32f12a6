// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"
)

// Key is the top-level operation of a message.
type Key string

const (
	// KeySession scopes a message to one session; the operation is in
	// the subkey and the session is identified by FieldUID.
	KeySession Key = "SESSION"

	// KeyCreateSession asks the host for a new session.
	KeyCreateSession Key = "CREATESESSION"

	// KeyGetSessions lists the sessions a host serves.
	KeyGetSessions Key = "GETSESSIONS"

	// KeyDeleteSession stops a session and removes its files.
	KeyDeleteSession Key = "DELETESESSION"

	// KeyDisconnect announces an orderly close.
	KeyDisconnect Key = "DISCONNECT"
)

// Subkey is a session-scoped operation or push.
type Subkey string

// Request/reply subkeys.
const (
	SubkeyGetState        Subkey = "GETSTATE"
	SubkeySetStateDict    Subkey = "SETSTATEDICT"
	SubkeyGetStateDict    Subkey = "GETSTATEDICT"
	SubkeyStart           Subkey = "START"
	SubkeyPause           Subkey = "PAUSE"
	SubkeyProceed         Subkey = "PROCEED"
	SubkeyTakeSnapshot    Subkey = "TAKESNAPSHOT"
	SubkeyReset           Subkey = "RESET"
	SubkeyGetIteration    Subkey = "GETITERATION"
	SubkeySetMaxIteration Subkey = "SETMAXITERATION"
	SubkeyGetMaxIteration Subkey = "GETMAXITERATION"
	SubkeyGetSnapshots    Subkey = "GETSNAPSHOTS"
	SubkeyGetPretrained   Subkey = "GETPRETRAINED"
	SubkeyCheckFiles      Subkey = "CHECKFILES"
	SubkeyCheckTraining   Subkey = "CHECKTRAINING"
	SubkeySave            Subkey = "SAVE"
)

// Push subkeys. The host sends these unsolicited.
const (
	SubkeyUpdateState     Subkey = "UPDATESTATE"
	SubkeyUpdateIteration Subkey = "UPDATEITERATION"
	SubkeyUpdateParser    Subkey = "UPDATEPARSER"
	SubkeyUpdateKeys      Subkey = "UPDATEKEYS"
	SubkeyAddSnapshot     Subkey = "ADDSNAPSHOT"
	SubkeyPrintLog        Subkey = "PRINTLOG"
	SubkeyParseHandle     Subkey = "PARSEHANDLE"
)

// IsPush reports whether s is an unsolicited notification subkey.
func (s Subkey) IsPush() bool {
	switch s {
	case SubkeyUpdateState, SubkeyUpdateIteration, SubkeyUpdateParser,
		SubkeyUpdateKeys, SubkeyAddSnapshot, SubkeyPrintLog, SubkeyParseHandle:
		return true
	}
	return false
}

// Field names shared by requests, replies and pushes.
const (
	FieldKey    = "key"
	FieldSubkey = "subkey"
	FieldStatus = "status"
	FieldError  = "error"
	FieldUID    = "uid"
)

// Operation fields.
const (
	FieldState        = "state"
	FieldIteration    = "iteration"
	FieldMaxIteration = "maxIteration"
	FieldStateDict    = "statedict"
	FieldCheckpoint   = "checkpoint"
	FieldPretrained   = "pretrained"
	FieldSnapshots    = "snapshots"
	FieldFiles        = "files"
	FieldProblems     = "problems"
	FieldSessions     = "sessions"
	FieldSessionID    = "sid"

	// Push payloads.
	FieldSnapshot = "snapshot"
	FieldLog      = "log"
	FieldPhase    = "phase"
	FieldRow      = "row"
	FieldEvent    = "event"
	FieldLine     = "line"
	FieldCaptures = "captures"
	FieldMetric   = "metric"
)

// Message is one protocol message: a flat map with a required "key",
// a "subkey" for session operations, and operation-specific fields.
// Values decoded off the wire are CBOR generic types (uint64/int64,
// string, []any, map[string]any); use the typed accessors.
type Message map[string]any

// NewMessage returns a message with only its key set.
func NewMessage(key Key) Message {
	return Message{FieldKey: string(key)}
}

// NewSessionMessage returns a SESSION message addressed to uid.
func NewSessionMessage(subkey Subkey, uid string) Message {
	return Message{
		FieldKey:    string(KeySession),
		FieldSubkey: string(subkey),
		FieldUID:    uid,
	}
}

// Reply returns a success reply to m carrying the same key, subkey and
// uid.
func Reply(m Message) Message {
	reply := Message{
		FieldKey:    m[FieldKey],
		FieldStatus: true,
		FieldError:  []string{},
	}
	if subkey, ok := m[FieldSubkey]; ok {
		reply[FieldSubkey] = subkey
	}
	if uid, ok := m[FieldUID]; ok {
		reply[FieldUID] = uid
	}
	return reply
}

// Fail marks m as a failed reply with the given reasons and returns it.
func (m Message) Fail(reasons ...string) Message {
	m[FieldStatus] = false
	m[FieldError] = append(m.Errors(), reasons...)
	return m
}

// With sets field to value and returns m, for building messages inline.
func (m Message) With(field string, value any) Message {
	m[field] = value
	return m
}

// Key returns the top-level operation.
func (m Message) Key() Key { return Key(m.String(FieldKey)) }

// Subkey returns the session operation, or "" when absent.
func (m Message) Subkey() Subkey { return Subkey(m.String(FieldSubkey)) }

// UID returns the session uid, or "" when absent.
func (m Message) UID() string { return m.String(FieldUID) }

// Status reports the reply status. An absent status means success.
func (m Message) Status() bool {
	status, ok := m.Bool(FieldStatus)
	return !ok || status
}

// Errors returns the reply's error list, empty when absent.
func (m Message) Errors() []string {
	return m.Strings(FieldError)
}

// Err returns a *RemoteError when the reply reports failure.
func (m Message) Err() error {
	if m.Status() {
		return nil
	}
	return &RemoteError{Key: m.Key(), Subkey: m.Subkey(), Messages: m.Errors()}
}

// String returns a string field, or "" when absent or not a string.
func (m Message) String(field string) string {
	s, _ := m[field].(string)
	return s
}

// Bool returns a boolean field and whether it was present.
func (m Message) Bool(field string) (bool, bool) {
	b, ok := m[field].(bool)
	return b, ok
}

// Int returns an integer field and whether it was present. Any Go or
// CBOR integer representation is accepted.
func (m Message) Int(field string) (int, bool) {
	switch v := m[field].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Float returns a numeric field as float64 and whether it was present.
func (m Message) Float(field string) (float64, bool) {
	switch v := m[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	if i, ok := m.Int(field); ok {
		return float64(i), true
	}
	return 0, false
}

// Strings returns a list-of-strings field. Non-string elements are
// skipped.
func (m Message) Strings(field string) []string {
	switch v := m[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, element := range v {
			if s, ok := element.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// Decode converts field into v by re-encoding the generic value. Use
// it for structured fields such as a state dictionary.
func (m Message) Decode(field string, v any) error {
	value, ok := m[field]
	if !ok {
		return fmt.Errorf("field %q missing", field)
	}
	data, err := Marshal(value)
	if err != nil {
		return fmt.Errorf("re-encoding field %q: %w", field, err)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding field %q: %w", field, err)
	}
	return nil
}

// RemoteError is a reply with status false.
type RemoteError struct {
	Key      Key
	Subkey   Subkey
	Messages []string
}

func (e *RemoteError) Error() string {
	operation := string(e.Key)
	if e.Subkey != "" {
		operation += "/" + string(e.Subkey)
	}
	if len(e.Messages) == 0 {
		return fmt.Sprintf("%s failed", operation)
	}
	return fmt.Sprintf("%s failed: %s", operation, strings.Join(e.Messages, "; "))
}

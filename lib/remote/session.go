// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// ErrInconsistentStateDict reports a dictionary whose layer order
// names layers it does not define. Such a dictionary is never sent.
var ErrInconsistentStateDict = errors.New("inconsistent state dictionary")

// Session is a proxy for one session on a remote host. It implements
// session.Session.
type Session struct {
	host   *Host
	uid    string
	id     int
	clock  clock.Clock
	window func() // flush callback handed to the debounce timer
	logger *slog.Logger

	observers session.Observers

	// flushMu serializes dictionary transmissions so a timer-driven
	// flush and an explicit Flush never interleave.
	flushMu sync.Mutex

	mu            sync.Mutex
	state         session.State
	stateKnown    bool
	iteration     int
	iterKnown     bool
	maxIteration  int
	maxKnown      bool
	dict          session.StateDict
	dictKnown     bool
	pending       *session.StateDict
	timer         *clock.Timer
	sentDigest    [32]byte
	sentDigestSet bool
	errors        []string
}

var _ session.Session = (*Session)(nil)

func newSession(host *Host, uid string, id int) *Session {
	s := &Session{
		host:   host,
		uid:    uid,
		id:     id,
		clock:  host.clock,
		logger: host.logger.With("uid", uid, "session_id", id),
	}
	s.window = func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn("sending state dictionary", "error", err)
		}
	}
	return s
}

// ID returns the session's local number.
func (s *Session) ID() int { return s.id }

// UID returns the host-assigned session uid.
func (s *Session) UID() string { return s.uid }

// Host returns the connection this proxy talks through.
func (s *Session) Host() *Host { return s.host }

// Errors returns the connection problems recorded so far, oldest first.
func (s *Session) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

// ClearErrors empties the error list.
func (s *Session) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = nil
}

// request sends one session operation and awaits its reply. A
// transport failure marks the proxy NOTCONNECTED (through the host); a
// failed reply is returned as is and changes nothing.
func (s *Session) request(ctx context.Context, subkey wire.Subkey, fields map[string]any) (wire.Message, error) {
	m := wire.NewSessionMessage(subkey, s.uid)
	for field, value := range fields {
		m.With(field, value)
	}
	reply, err := s.host.request(ctx, m, wire.SessionReply(subkey, s.uid))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", subkey, err)
	}
	s.mu.Lock()
	if s.stateKnown && s.state == session.NotConnected {
		s.stateKnown = false
	}
	s.mu.Unlock()
	return reply, nil
}

// markDisconnected records cause and switches the cached state to
// NOTCONNECTED.
func (s *Session) markDisconnected(cause error) {
	s.mu.Lock()
	s.errors = append(s.errors, fmt.Sprintf("connection to %s lost: %v", s.host.address, cause))
	changed := !s.stateKnown || s.state != session.NotConnected
	s.state = session.NotConnected
	s.stateKnown = true
	s.mu.Unlock()
	if changed {
		s.observers.Each(func(o session.Observer) { o.OnStateChanged(session.NotConnected) })
	}
}

// State returns the cached state, fetching it when unknown.
func (s *Session) State(ctx context.Context) (session.State, error) {
	s.mu.Lock()
	if s.stateKnown && s.state != session.NotConnected {
		state := s.state
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()
	return s.FetchState(ctx)
}

// FetchState asks the host for the current state and updates the
// cache.
func (s *Session) FetchState(ctx context.Context) (session.State, error) {
	reply, err := s.request(ctx, wire.SubkeyGetState, nil)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stateKnown {
			return s.state, err
		}
		return session.Undefined, err
	}
	state, err := session.ParseState(reply.String(wire.FieldState))
	if err != nil {
		return session.Undefined, err
	}
	s.setState(state)
	return state, nil
}

func (s *Session) setState(state session.State) {
	s.mu.Lock()
	changed := !s.stateKnown || s.state != state
	s.state = state
	s.stateKnown = true
	s.mu.Unlock()
	if changed {
		s.observers.Each(func(o session.Observer) { o.OnStateChanged(state) })
	}
}

// Iteration returns the cached iteration, fetching it when unknown.
func (s *Session) Iteration(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.iterKnown {
		iteration := s.iteration
		s.mu.Unlock()
		return iteration, nil
	}
	s.mu.Unlock()
	reply, err := s.request(ctx, wire.SubkeyGetIteration, nil)
	if err != nil {
		return 0, err
	}
	iteration, _ := reply.Int(wire.FieldIteration)
	s.mu.Lock()
	s.iteration = iteration
	s.iterKnown = true
	s.mu.Unlock()
	return iteration, nil
}

// MaxIteration returns the cached iteration limit, fetching it when
// unknown.
func (s *Session) MaxIteration(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.maxKnown {
		maxIteration := s.maxIteration
		s.mu.Unlock()
		return maxIteration, nil
	}
	s.mu.Unlock()
	reply, err := s.request(ctx, wire.SubkeyGetMaxIteration, nil)
	if err != nil {
		return 0, err
	}
	maxIteration, _ := reply.Int(wire.FieldMaxIteration)
	s.mu.Lock()
	s.maxIteration = maxIteration
	s.maxKnown = true
	s.mu.Unlock()
	return maxIteration, nil
}

// SetMaxIteration changes the iteration limit on the host.
func (s *Session) SetMaxIteration(ctx context.Context, maxIteration int) error {
	if maxIteration <= 0 {
		return fmt.Errorf("max iteration must be positive, got %d", maxIteration)
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if _, err := s.request(ctx, wire.SubkeySetMaxIteration, map[string]any{wire.FieldMaxIteration: maxIteration}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxIteration = maxIteration
	s.maxKnown = true
	if s.dictKnown {
		s.dict = s.dict.WithMaxIter(maxIteration)
		// The host rewrote its copy; ours no longer matches what was
		// last sent.
		s.sentDigestSet = false
	}
	return nil
}

// StateDict returns the latest dictionary: an unsent one if pending,
// else the cached one, else the host's.
func (s *Session) StateDict(ctx context.Context) (session.StateDict, error) {
	s.mu.Lock()
	if s.pending != nil {
		dict := s.pending.Clone()
		s.mu.Unlock()
		return dict, nil
	}
	if s.dictKnown {
		dict := s.dict.Clone()
		s.mu.Unlock()
		return dict, nil
	}
	s.mu.Unlock()
	return s.FetchStateDict(ctx)
}

// FetchStateDict asks the host for its dictionary and replaces the
// cache.
func (s *Session) FetchStateDict(ctx context.Context) (session.StateDict, error) {
	reply, err := s.request(ctx, wire.SubkeyGetStateDict, nil)
	if err != nil {
		return session.StateDict{}, err
	}
	var dict session.StateDict
	if err := reply.Decode(wire.FieldStateDict, &dict); err != nil {
		return session.StateDict{}, err
	}
	digest, digestErr := dict.Digest()
	s.mu.Lock()
	s.dict = dict.Clone()
	s.dictKnown = true
	if maxIteration, ok := dict.MaxIter(); ok {
		s.maxIteration = maxIteration
		s.maxKnown = true
	}
	if digestErr == nil {
		s.sentDigest = digest
		s.sentDigestSet = true
	}
	s.mu.Unlock()
	return dict, nil
}

// SetStateDict schedules dict to be sent after the debounce window.
// Each call restarts the window, so a burst of edits sends only the
// last one. A dictionary with unknown layers is rejected immediately.
// When the window closes on a dictionary whose digest matches the last
// one the host accepted, nothing is sent: N spaced calls send one write
// per call that actually changed the dictionary.
func (s *Session) SetStateDict(_ context.Context, dict session.StateDict) error {
	if unknown := dict.UnknownLayers(); len(unknown) > 0 {
		return fmt.Errorf("%w: layer order references unknown layers %v", ErrInconsistentStateDict, unknown)
	}
	pending := dict.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &pending
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.host.debounce, s.window)
	} else {
		s.timer.Reset(s.host.debounce)
	}
	return nil
}

// Flush sends a pending dictionary now. A dictionary identical to the
// last one the host acknowledged is not sent again.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	pending := s.pending
	s.pending = nil
	sentDigest, sentDigestSet := s.sentDigest, s.sentDigestSet
	s.mu.Unlock()
	if pending == nil {
		return nil
	}

	digest, err := pending.Digest()
	if err != nil {
		return fmt.Errorf("hashing state dictionary: %w", err)
	}
	if sentDigestSet && digest == sentDigest {
		s.logger.Debug("state dictionary unchanged, not sending")
		s.mu.Lock()
		s.dict = pending.Clone()
		s.dictKnown = true
		s.mu.Unlock()
		return nil
	}

	if _, err := s.request(ctx, wire.SubkeySetStateDict, map[string]any{wire.FieldStateDict: *pending}); err != nil {
		// An undelivered edit is kept for the next Flush; a rejected
		// one is dropped.
		s.mu.Lock()
		if (isDisconnect(err) || errors.Is(err, wire.ErrTooManyWakeups)) && s.pending == nil {
			s.pending = pending
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.dict = pending.Clone()
	s.dictKnown = true
	s.sentDigest = digest
	s.sentDigestSet = true
	if maxIteration, ok := pending.MaxIter(); ok {
		s.maxIteration = maxIteration
		s.maxKnown = true
	}
	s.mu.Unlock()
	return nil
}

// Start sends any pending dictionary, then starts training.
func (s *Session) Start(ctx context.Context, checkpoint, pretrained string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	fields := map[string]any{}
	if checkpoint != "" {
		fields[wire.FieldCheckpoint] = checkpoint
	}
	if pretrained != "" {
		fields[wire.FieldPretrained] = pretrained
	}
	_, err := s.request(ctx, wire.SubkeyStart, fields)
	return err
}

func (s *Session) Pause(ctx context.Context) error {
	_, err := s.request(ctx, wire.SubkeyPause, nil)
	return err
}

func (s *Session) Proceed(ctx context.Context, checkpoint string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	fields := map[string]any{}
	if checkpoint != "" {
		fields[wire.FieldCheckpoint] = checkpoint
	}
	_, err := s.request(ctx, wire.SubkeyProceed, fields)
	return err
}

func (s *Session) Snapshot(ctx context.Context) error {
	_, err := s.request(ctx, wire.SubkeyTakeSnapshot, nil)
	return err
}

// Reset restarts the session on the host and drops the cached
// iteration.
func (s *Session) Reset(ctx context.Context) error {
	if _, err := s.request(ctx, wire.SubkeyReset, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.iteration = 0
	s.iterKnown = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Snapshots(ctx context.Context) ([]string, error) {
	reply, err := s.request(ctx, wire.SubkeyGetSnapshots, nil)
	if err != nil {
		return nil, err
	}
	return reply.Strings(wire.FieldSnapshots), nil
}

func (s *Session) Pretrained(ctx context.Context) (string, error) {
	reply, err := s.request(ctx, wire.SubkeyGetPretrained, nil)
	if err != nil {
		return "", err
	}
	return reply.String(wire.FieldPretrained), nil
}

func (s *Session) CheckFiles(ctx context.Context) ([]string, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	reply, err := s.request(ctx, wire.SubkeyCheckFiles, nil)
	if err != nil {
		return nil, err
	}
	return reply.Strings(wire.FieldFiles), nil
}

func (s *Session) CheckTraining(ctx context.Context) ([]string, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	reply, err := s.request(ctx, wire.SubkeyCheckTraining, nil)
	if err != nil {
		return nil, err
	}
	return reply.Strings(wire.FieldProblems), nil
}

// Save sends any pending dictionary, then asks the host to persist.
func (s *Session) Save(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	_, err := s.request(ctx, wire.SubkeySave, nil)
	return err
}

// Subscribe registers observer for this session's pushes.
func (s *Session) Subscribe(observer session.Observer) func() {
	return s.observers.Add(observer)
}

// Delete removes the session on the host. A pending dictionary is
// discarded.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = nil
	s.mu.Unlock()
	return s.host.DeleteSession(ctx, s.uid)
}

// handlePush applies one push to the cache and fans it out.
func (s *Session) handlePush(m wire.Message) {
	switch subkey := m.Subkey(); subkey {
	case wire.SubkeyUpdateState:
		state, err := session.ParseState(m.String(wire.FieldState))
		if err != nil {
			s.logger.Warn("ignoring state push", "error", err)
			return
		}
		s.setState(state)
	case wire.SubkeyUpdateIteration:
		iteration, ok := m.Int(wire.FieldIteration)
		if !ok {
			s.logger.Warn("ignoring iteration push without iteration")
			return
		}
		s.mu.Lock()
		s.iteration = iteration
		s.iterKnown = true
		s.mu.Unlock()
		s.observers.Each(func(o session.Observer) { o.OnIterationChanged(iteration) })
	case wire.SubkeyAddSnapshot:
		checkpoint := m.String(wire.FieldSnapshot)
		s.observers.Each(func(o session.Observer) { o.OnSnapshotAdded(checkpoint) })
	case wire.SubkeyPrintLog:
		line := m.String(wire.FieldLog)
		s.observers.Each(func(o session.Observer) { o.OnLogLine(line) })
	case wire.SubkeyUpdateParser:
		var row logparse.Row
		if err := m.Decode(wire.FieldRow, &row); err != nil {
			s.logger.Warn("ignoring parser push", "error", err)
			return
		}
		phase := logparse.Phase(m.String(wire.FieldPhase))
		s.observers.Each(func(o session.Observer) { o.OnParserRecord(phase, row) })
	case wire.SubkeyParseHandle:
		name, line, captures := m.String(wire.FieldEvent), m.String(wire.FieldLine), m.Strings(wire.FieldCaptures)
		s.observers.Each(func(o session.Observer) { o.OnParserEvent(name, line, captures) })
	case wire.SubkeyUpdateKeys:
		phase := logparse.Phase(m.String(wire.FieldPhase))
		key := m.String(wire.FieldMetric)
		s.observers.Each(func(o session.Observer) { o.OnParserKey(phase, key) })
	case wire.SubkeyGetState, wire.SubkeySetStateDict, wire.SubkeyGetStateDict,
		wire.SubkeyStart, wire.SubkeyPause, wire.SubkeyProceed,
		wire.SubkeyTakeSnapshot, wire.SubkeyReset, wire.SubkeyGetIteration,
		wire.SubkeySetMaxIteration, wire.SubkeyGetMaxIteration,
		wire.SubkeyGetSnapshots, wire.SubkeyGetPretrained,
		wire.SubkeyCheckFiles, wire.SubkeyCheckTraining, wire.SubkeySave:
		s.logger.Warn("reply routed as a push", "subkey", subkey)
	default:
		s.logger.Warn("unknown push", "subkey", subkey)
	}
}

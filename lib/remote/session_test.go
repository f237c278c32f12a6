// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/testutil"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

const (
	testUID      = "5b0f3c1e-session"
	testDebounce = 300 * time.Millisecond
	waitTimeout  = 5 * time.Second
)

func dictWithMaxIter(maxIter int) session.StateDict {
	return session.StateDict{
		Network: session.Network{
			Name: "lenet",
			Layers: map[string]session.Layer{
				"l0": {Name: "mnist", Type: "Input"},
				"l1": {Name: "ip1", Type: "InnerProduct"},
			},
			LayerOrder: []string{"l0", "l1"},
		},
		Solver: map[string]any{"max_iter": maxIter},
	}
}

// newProxy attaches a proxy for testUID to a fake host, using a fake
// clock for the debounce window.
func newProxy(t *testing.T) (*Session, *fakeHost, *clock.FakeClock) {
	t.Helper()
	fake := newFakeHost(t)
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	host := NewHost("trainer-01:7000", HostConfig{
		Debounce: testDebounce,
		Dial:     fake.dial,
		Clock:    fakeClock,
	})
	t.Cleanup(func() { host.Close() })
	return host.Attach(testUID, 3), fake, fakeClock
}

func sentMaxIter(t *testing.T, request wire.Message) int {
	t.Helper()
	var dict session.StateDict
	if err := request.Decode(wire.FieldStateDict, &dict); err != nil {
		t.Fatalf("decoding sent dictionary: %v", err)
	}
	maxIter, _ := dict.MaxIter()
	return maxIter
}

func TestSetStateDictBurstSendsOnlyTheLast(t *testing.T) {
	proxy, fake, fakeClock := newProxy(t)
	ctx := context.Background()

	for maxIter := 100; maxIter <= 500; maxIter += 100 {
		if err := proxy.SetStateDict(ctx, dictWithMaxIter(maxIter)); err != nil {
			t.Fatalf("SetStateDict(%d): %v", maxIter, err)
		}
		// Each edit restarts the window.
		fakeClock.Advance(testDebounce / 2)
	}
	if sent := fake.received(wire.SubkeySetStateDict); len(sent) != 0 {
		t.Fatalf("sent %d dictionaries before the window closed", len(sent))
	}

	// The pending edit is visible locally before it is sent.
	dict, err := proxy.StateDict(ctx)
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}
	if maxIter, _ := dict.MaxIter(); maxIter != 500 {
		t.Errorf("pending max_iter = %d, want 500", maxIter)
	}

	fakeClock.Advance(testDebounce / 2)
	sent := fake.received(wire.SubkeySetStateDict)
	if len(sent) != 1 {
		t.Fatalf("sent %d dictionaries, want 1", len(sent))
	}
	if got := sentMaxIter(t, sent[0]); got != 500 {
		t.Errorf("sent max_iter = %d, want 500", got)
	}
	if sent[0].UID() != testUID {
		t.Errorf("sent uid = %q, want %q", sent[0].UID(), testUID)
	}
}

func TestSetStateDictSeparatedEditsAreEachSent(t *testing.T) {
	proxy, fake, fakeClock := newProxy(t)
	ctx := context.Background()

	for _, maxIter := range []int{100, 200, 300} {
		if err := proxy.SetStateDict(ctx, dictWithMaxIter(maxIter)); err != nil {
			t.Fatalf("SetStateDict(%d): %v", maxIter, err)
		}
		fakeClock.Advance(testDebounce)
	}
	sent := fake.received(wire.SubkeySetStateDict)
	if len(sent) != 3 {
		t.Fatalf("sent %d dictionaries, want 3", len(sent))
	}
	for i, want := range []int{100, 200, 300} {
		if got := sentMaxIter(t, sent[i]); got != want {
			t.Errorf("dictionary %d max_iter = %d, want %d", i, got, want)
		}
	}

	maxIteration, err := proxy.MaxIteration(ctx)
	if err != nil {
		t.Fatalf("MaxIteration: %v", err)
	}
	if maxIteration != 300 {
		t.Errorf("cached MaxIteration = %d, want 300", maxIteration)
	}
	if got := fake.received(wire.SubkeyGetMaxIteration); len(got) != 0 {
		t.Error("MaxIteration asked the host although the sent dictionary carried it")
	}
}

func TestIdenticalDictionaryIsNotResent(t *testing.T) {
	proxy, fake, fakeClock := newProxy(t)
	ctx := context.Background()

	for range 2 {
		if err := proxy.SetStateDict(ctx, dictWithMaxIter(100)); err != nil {
			t.Fatalf("SetStateDict: %v", err)
		}
		fakeClock.Advance(testDebounce)
	}
	if sent := fake.received(wire.SubkeySetStateDict); len(sent) != 1 {
		t.Errorf("sent %d dictionaries, want 1 (second is identical)", len(sent))
	}

	// Changing away and back again is two mutations.
	for _, maxIter := range []int{200, 100} {
		if err := proxy.SetStateDict(ctx, dictWithMaxIter(maxIter)); err != nil {
			t.Fatalf("SetStateDict(%d): %v", maxIter, err)
		}
		fakeClock.Advance(testDebounce)
	}
	sent := fake.received(wire.SubkeySetStateDict)
	if len(sent) != 3 {
		t.Fatalf("sent %d dictionaries, want 3", len(sent))
	}
	if got := sentMaxIter(t, sent[2]); got != 100 {
		t.Errorf("last dictionary max_iter = %d, want 100", got)
	}
}

func TestInconsistentStateDictIsRejectedLocally(t *testing.T) {
	proxy, fake, fakeClock := newProxy(t)

	dict := dictWithMaxIter(100)
	dict.Network.LayerOrder = append(dict.Network.LayerOrder, "ghost")
	err := proxy.SetStateDict(context.Background(), dict)
	if !errors.Is(err, ErrInconsistentStateDict) {
		t.Fatalf("SetStateDict = %v, want ErrInconsistentStateDict", err)
	}
	if pending := fakeClock.PendingCount(); pending != 0 {
		t.Errorf("%d timers pending after a rejected dictionary", pending)
	}
	fakeClock.Advance(testDebounce)
	if fake.dialCount() != 0 {
		t.Error("a rejected dictionary caused a connection")
	}
}

func TestStartFlushesPendingDictionaryFirst(t *testing.T) {
	proxy, fake, _ := newProxy(t)
	ctx := context.Background()

	if err := proxy.SetStateDict(ctx, dictWithMaxIter(100)); err != nil {
		t.Fatalf("SetStateDict: %v", err)
	}
	if err := proxy.Start(ctx, "", "weights.caffemodel"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fake.mu.Lock()
	requests := append([]wire.Message(nil), fake.requests...)
	fake.mu.Unlock()
	if len(requests) != 2 ||
		requests[0].Subkey() != wire.SubkeySetStateDict ||
		requests[1].Subkey() != wire.SubkeyStart {
		t.Fatalf("requests = %v, want SETSTATEDICT then START", requests)
	}
	if got := requests[1].String(wire.FieldPretrained); got != "weights.caffemodel" {
		t.Errorf("START pretrained = %q", got)
	}
	if _, ok := requests[1][wire.FieldCheckpoint]; ok {
		t.Error("START carries an empty checkpoint field")
	}
}

func TestFailedReplyKeepsConnection(t *testing.T) {
	proxy, fake, _ := newProxy(t)
	fake.setRespond(func(_ *wire.Conn, request, reply wire.Message) wire.Message {
		if request.Subkey() == wire.SubkeyPause {
			return reply.Fail("session is not running")
		}
		return reply.With(wire.FieldState, session.Waiting.String())
	})

	err := proxy.Pause(context.Background())
	var remoteErr *wire.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Pause = %v, want *wire.RemoteError", err)
	}
	if len(remoteErr.Messages) != 1 || remoteErr.Messages[0] != "session is not running" {
		t.Errorf("remote reasons = %v", remoteErr.Messages)
	}
	state, err := proxy.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != session.Waiting {
		t.Errorf("State = %v, want WAITING", state)
	}
	if len(proxy.Errors()) != 0 {
		t.Errorf("Errors() = %v, want none for a failed reply", proxy.Errors())
	}
	if fake.dialCount() != 1 {
		t.Errorf("dialed %d times, want 1", fake.dialCount())
	}
}

func TestLogFloodDuringRequestKeepsConnection(t *testing.T) {
	proxy, fake, _ := newProxy(t)

	lines := make(chan string, 256)
	states := make(chan session.State, 8)
	proxy.Subscribe(session.ObserverFuncs{
		LogLine:      func(line string) { lines <- line },
		StateChanged: func(state session.State) { states <- state },
	})

	const flood = 3 * wire.DefaultMaxWakeups
	fake.setRespond(func(conn *wire.Conn, request, reply wire.Message) wire.Message {
		if request.Subkey() != wire.SubkeyPause {
			return reply
		}
		for i := range flood {
			conn.Send(wire.NewSessionMessage(wire.SubkeyPrintLog, testUID).
				With(wire.FieldLog, fmt.Sprintf("I1019 Iteration %d, loss = 0.5", i)))
			conn.Send(wire.NewSessionMessage(wire.SubkeyPrintLog, "someone-else").
				With(wire.FieldLog, "unattached"))
		}
		return reply.With(wire.FieldState, session.Paused.String())
	})

	if err := proxy.Pause(context.Background()); err != nil {
		t.Fatalf("Pause during a log flood: %v", err)
	}
	for range flood {
		testutil.RequireReceive(t, lines, waitTimeout, "flooded log line never reached the observer")
	}
	if !proxy.host.Connected() {
		t.Error("Connected() = false after a log flood")
	}
	if len(proxy.Errors()) != 0 {
		t.Errorf("Errors() = %v, want none", proxy.Errors())
	}
	select {
	case state := <-states:
		if state == session.NotConnected {
			t.Error("proxy marked NOTCONNECTED by a log flood")
		}
	default:
	}
	if fake.dialCount() != 1 {
		t.Errorf("dialed %d times, want 1", fake.dialCount())
	}
}

func TestUnansweredRequestMarksNotConnected(t *testing.T) {
	fake := newFakeHost(t)
	host := NewHost("trainer-01:7000", HostConfig{
		RequestTimeout: 50 * time.Millisecond,
		Dial:           fake.dial,
	})
	t.Cleanup(func() { host.Close() })
	proxy := host.Attach(testUID, 1)

	states := make(chan session.State, 8)
	proxy.Subscribe(session.ObserverFuncs{StateChanged: func(state session.State) { states <- state }})

	fake.setRespond(func(_ *wire.Conn, request, reply wire.Message) wire.Message {
		return nil
	})
	_, err := proxy.FetchState(context.Background())
	if !errors.Is(err, wire.ErrTimeout) {
		t.Fatalf("FetchState = %v, want ErrTimeout", err)
	}
	if got := testutil.RequireReceive(t, states, waitTimeout); got != session.NotConnected {
		t.Errorf("state change = %v, want NOTCONNECTED", got)
	}
	if len(proxy.Errors()) == 0 {
		t.Error("no error recorded for the unanswered request")
	}

	// No automatic retry: nothing is dialed until the next call.
	if fake.dialCount() != 1 {
		t.Fatalf("dialed %d times after the failure, want 1", fake.dialCount())
	}
	fake.setRespond(func(_ *wire.Conn, _, reply wire.Message) wire.Message {
		return reply.With(wire.FieldState, session.Paused.String())
	})
	state, err := proxy.State(context.Background())
	if err != nil {
		t.Fatalf("State after reconnect: %v", err)
	}
	if state != session.Paused {
		t.Errorf("State after reconnect = %v, want PAUSED", state)
	}
	if fake.dialCount() != 2 {
		t.Errorf("dialed %d times, want a fresh connection", fake.dialCount())
	}
}

func TestConnectionLossMarksEveryProxy(t *testing.T) {
	fake := newFakeHost(t)
	host := NewHost("trainer-01:7000", HostConfig{Dial: fake.dial})
	t.Cleanup(func() { host.Close() })
	first := host.Attach("uid-a", 1)
	second := host.Attach("uid-b", 2)

	lost := make(chan string, 2)
	for _, proxy := range []*Session{first, second} {
		proxy.Subscribe(session.ObserverFuncs{StateChanged: func(state session.State) {
			if state == session.NotConnected {
				lost <- proxy.UID()
			}
		}})
	}

	if err := first.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fake.current().Close()

	seen := map[string]bool{}
	for range 2 {
		seen[testutil.RequireReceive(t, lost, waitTimeout, "proxy never saw the connection drop")] = true
	}
	if !seen["uid-a"] || !seen["uid-b"] {
		t.Errorf("disconnected proxies = %v, want both", seen)
	}
	if host.Connected() {
		t.Error("Connected() = true after the host went away")
	}
	fake.setRespond(func(_ *wire.Conn, _, reply wire.Message) wire.Message {
		return reply.With(wire.FieldState, session.Waiting.String())
	})
	state, err := second.State(context.Background())
	if err != nil {
		t.Fatalf("State after loss: %v", err)
	}
	if state != session.Waiting {
		t.Errorf("State after loss = %v, want WAITING from a fresh connection", state)
	}
}

func TestPushesReachObservers(t *testing.T) {
	proxy, fake, _ := newProxy(t)

	states := make(chan session.State, 4)
	iterations := make(chan int, 4)
	snapshots := make(chan string, 4)
	lines := make(chan string, 4)
	rows := make(chan logparse.Row, 4)
	events := make(chan []string, 4)
	keys := make(chan string, 4)
	proxy.Subscribe(session.ObserverFuncs{
		StateChanged:     func(state session.State) { states <- state },
		IterationChanged: func(iteration int) { iterations <- iteration },
		SnapshotAdded:    func(checkpoint string) { snapshots <- checkpoint },
		LogLine:          func(line string) { lines <- line },
		ParserRecord: func(phase logparse.Phase, row logparse.Row) {
			if phase == logparse.PhaseTrain {
				rows <- row
			}
		},
		ParserEvent: func(name, line string, captures []string) {
			events <- append([]string{name}, captures...)
		},
		ParserKey: func(phase logparse.Phase, key string) { keys <- string(phase) + "/" + key },
	})

	// The GETSTATE reply is preceded by a burst of pushes; the
	// correlated read must still find it.
	fake.setRespond(func(conn *wire.Conn, request, reply wire.Message) wire.Message {
		push := func(subkey wire.Subkey) wire.Message { return wire.NewSessionMessage(subkey, testUID) }
		conn.Send(push(wire.SubkeyPrintLog).With(wire.FieldLog, "I1019 Iteration 20, loss = 0.5"))
		conn.Send(push(wire.SubkeyUpdateIteration).With(wire.FieldIteration, 20))
		conn.Send(push(wire.SubkeyUpdateParser).
			With(wire.FieldPhase, string(logparse.PhaseTrain)).
			With(wire.FieldRow, map[string]float64{"NumIters": 20, "loss": 0.5}))
		conn.Send(push(wire.SubkeyUpdateKeys).
			With(wire.FieldPhase, string(logparse.PhaseTrain)).
			With(wire.FieldMetric, "loss"))
		conn.Send(push(wire.SubkeyParseHandle).
			With(wire.FieldEvent, logparse.EventCheckpointWritten).
			With(wire.FieldLine, "Snapshotting solver state to binary proto file snapshots/_iter_20.solverstate").
			With(wire.FieldCaptures, []string{"snapshots/_iter_20.solverstate"}))
		conn.Send(push(wire.SubkeyAddSnapshot).With(wire.FieldSnapshot, "_iter_20.solverstate"))
		// A push for a session nobody attached stays buffered.
		conn.Send(wire.NewSessionMessage(wire.SubkeyPrintLog, "someone-else").With(wire.FieldLog, "ignored"))
		return reply.With(wire.FieldState, session.Running.String())
	})

	state, err := proxy.FetchState(context.Background())
	if err != nil {
		t.Fatalf("FetchState: %v", err)
	}
	if state != session.Running {
		t.Errorf("FetchState = %v, want RUNNING", state)
	}

	if got := testutil.RequireReceive(t, lines, waitTimeout); got != "I1019 Iteration 20, loss = 0.5" {
		t.Errorf("log line = %q", got)
	}
	if got := testutil.RequireReceive(t, iterations, waitTimeout); got != 20 {
		t.Errorf("iteration = %d, want 20", got)
	}
	row := testutil.RequireReceive(t, rows, waitTimeout)
	if row["loss"] != 0.5 || row["NumIters"] != 20 {
		t.Errorf("row = %v", row)
	}
	if got := testutil.RequireReceive(t, keys, waitTimeout); got != "TRAIN/loss" {
		t.Errorf("key = %q, want TRAIN/loss", got)
	}
	event := testutil.RequireReceive(t, events, waitTimeout)
	if len(event) != 2 || event[0] != logparse.EventCheckpointWritten {
		t.Errorf("event = %v", event)
	}
	if got := testutil.RequireReceive(t, snapshots, waitTimeout); got != "_iter_20.solverstate" {
		t.Errorf("snapshot = %q", got)
	}
	if got := testutil.RequireReceive(t, states, waitTimeout); got != session.Running {
		t.Errorf("state change = %v, want RUNNING", got)
	}

	iteration, err := proxy.Iteration(context.Background())
	if err != nil || iteration != 20 {
		t.Errorf("Iteration = %d, %v; want the pushed 20 without a request", iteration, err)
	}
	if got := fake.received(wire.SubkeyGetIteration); len(got) != 0 {
		t.Error("Iteration asked the host although a push supplied it")
	}
}

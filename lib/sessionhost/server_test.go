// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionhost

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/project"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/testutil"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

const replyTimeout = 10 * time.Second

func validDict(maxIter int) session.StateDict {
	return session.StateDict{
		Network: session.Network{
			Name: "lenet",
			Layers: map[string]session.Layer{
				"l0": {Name: "mnist", Type: "Input"},
				"l1": {Name: "ip1", Type: "InnerProduct", Parameters: map[string]any{"num_output": 10}},
			},
			LayerOrder: []string{"l0", "l1"},
		},
		Solver: map[string]any{"max_iter": maxIter, "base_lr": 0.01},
	}
}

// startHost serves a fresh project whose trainer is a shell script and
// returns the project and the listening address.
func startHost(t *testing.T, trainerScript string) (*project.Project, string) {
	t.Helper()
	trainer := testutil.WriteExecutable(t, t.TempDir(), "fake-caffe", trainerScript)
	p, err := project.Open(t.TempDir(), project.Options{ID: "mnist", Trainer: trainer})
	if err != nil {
		t.Fatalf("project.Open: %v", err)
	}
	server, err := New(p, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, replyTimeout, "Serve did not return"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		for _, supervisor := range p.Supervisors() {
			supervisor.Close(context.Background())
		}
	})
	return p, listener.Addr().String()
}

func dial(t *testing.T, address string) *wire.Conn {
	t.Helper()
	conn, err := wire.Dial(context.Background(), address, wire.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func createSession(t *testing.T, conn *wire.Conn, dict session.StateDict) (string, int) {
	t.Helper()
	request := wire.NewMessage(wire.KeyCreateSession).With(wire.FieldStateDict, dict)
	reply, err := conn.Request(request, wire.KeyReply(wire.KeyCreateSession), replyTimeout)
	if err != nil {
		t.Fatalf("CREATESESSION: %v", err)
	}
	id, _ := reply.Int(wire.FieldSessionID)
	if reply.UID() == "" {
		t.Fatalf("CREATESESSION reply has no uid: %v", reply)
	}
	return reply.UID(), id
}

func isPush(subkey wire.Subkey, uid string, match func(wire.Message) bool) wire.Predicate {
	return func(m wire.Message) bool {
		return m.Key() == wire.KeySession && m.Subkey() == subkey && m.UID() == uid && match(m)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	_, address := startHost(t, "exit 0\n")
	conn := dial(t, address)

	uid, id := createSession(t, conn, validDict(100))
	if id != 1 {
		t.Errorf("sid = %d, want 1", id)
	}

	reply, err := conn.Request(wire.NewMessage(wire.KeyGetSessions), wire.KeyReply(wire.KeyGetSessions), replyTimeout)
	if err != nil {
		t.Fatalf("GETSESSIONS: %v", err)
	}
	var entries []map[string]any
	if err := reply.Decode(wire.FieldSessions, &entries); err != nil {
		t.Fatalf("decoding sessions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("sessions = %v, want one entry", entries)
	}
	entry := wire.Message(entries[0])
	if entry.UID() != uid {
		t.Errorf("listed uid = %q, want %q", entry.UID(), uid)
	}
	if got := entry.String(wire.FieldState); got != session.Waiting.String() {
		t.Errorf("listed state = %q, want %q", got, session.Waiting)
	}

	request := wire.NewSessionMessage(wire.SubkeyGetStateDict, uid)
	reply, err = conn.Request(request, wire.SessionReply(wire.SubkeyGetStateDict, uid), replyTimeout)
	if err != nil {
		t.Fatalf("GETSTATEDICT: %v", err)
	}
	var dict session.StateDict
	if err := reply.Decode(wire.FieldStateDict, &dict); err != nil {
		t.Fatalf("decoding state dict: %v", err)
	}
	if maxIter, _ := dict.MaxIter(); maxIter != 100 {
		t.Errorf("max_iter = %d, want 100", maxIter)
	}
	if dict.Network.Name != "lenet" || len(dict.Network.LayerOrder) != 2 {
		t.Errorf("network = %+v, want the dictionary sent at creation", dict.Network)
	}
}

func TestUnknownSessionFailsWithoutClosing(t *testing.T) {
	_, address := startHost(t, "exit 0\n")
	conn := dial(t, address)

	request := wire.NewSessionMessage(wire.SubkeyGetState, "no-such-session")
	reply, err := conn.Request(request, wire.SessionReply(wire.SubkeyGetState, "no-such-session"), replyTimeout)
	var remoteErr *wire.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("GETSTATE for unknown uid: err = %v, want *wire.RemoteError", err)
	}
	if reply.Status() || len(reply.Errors()) == 0 {
		t.Errorf("reply = %v, want status false with a reason", reply)
	}

	// A push subkey is not a request.
	request = wire.NewSessionMessage(wire.SubkeyUpdateState, "no-such-session")
	if _, err := conn.Request(request, wire.SessionReply(wire.SubkeyUpdateState, "no-such-session"), replyTimeout); !errors.As(err, &remoteErr) {
		t.Errorf("UPDATESTATE as request: err = %v, want *wire.RemoteError", err)
	}

	if !conn.Connected() {
		t.Fatal("failed requests closed the connection")
	}
	if _, err := conn.Request(wire.NewMessage(wire.KeyGetSessions), wire.KeyReply(wire.KeyGetSessions), replyTimeout); err != nil {
		t.Errorf("GETSESSIONS after failures: %v", err)
	}
}

func TestTrainingPushesReachPeers(t *testing.T) {
	_, address := startHost(t,
		"echo 'I1019 solver.cpp:218] Iteration 10, loss = 1.5'\n"+
			"exit 0\n")
	conn := dial(t, address)
	uid, _ := createSession(t, conn, validDict(10))

	request := wire.NewSessionMessage(wire.SubkeyStart, uid)
	if _, err := conn.Request(request, wire.SessionReply(wire.SubkeyStart, uid), replyTimeout); err != nil {
		t.Fatalf("START: %v", err)
	}

	logLine, err := conn.Await(isPush(wire.SubkeyPrintLog, uid, func(m wire.Message) bool {
		return strings.Contains(m.String(wire.FieldLog), "Iteration 10")
	}), replyTimeout)
	if err != nil {
		t.Fatalf("awaiting PRINTLOG: %v", err)
	}
	if !strings.HasSuffix(logLine.String(wire.FieldLog), "loss = 1.5") {
		t.Errorf("PRINTLOG line = %q", logLine.String(wire.FieldLog))
	}

	if _, err := conn.Await(isPush(wire.SubkeyUpdateState, uid, func(m wire.Message) bool {
		return m.String(wire.FieldState) == session.Finished.String()
	}), replyTimeout); err != nil {
		t.Fatalf("awaiting UPDATESTATE FINISHED: %v", err)
	}

	reply, err := conn.Request(wire.NewSessionMessage(wire.SubkeyGetIteration, uid),
		wire.SessionReply(wire.SubkeyGetIteration, uid), replyTimeout)
	if err != nil {
		t.Fatalf("GETITERATION: %v", err)
	}
	if iteration, _ := reply.Int(wire.FieldIteration); iteration != 10 {
		t.Errorf("iteration = %d, want 10", iteration)
	}
}

func TestRepliesAreCorrelatedPastBufferedPushes(t *testing.T) {
	_, address := startHost(t,
		"echo 'I1019 solver.cpp:218] Iteration 0, loss = 2.0'\n"+
			"exec sleep 30\n")
	conn := dial(t, address)
	uid, _ := createSession(t, conn, validDict(1000))

	if _, err := conn.Request(wire.NewSessionMessage(wire.SubkeyStart, uid),
		wire.SessionReply(wire.SubkeyStart, uid), replyTimeout); err != nil {
		t.Fatalf("START: %v", err)
	}
	// The RUNNING push is sent before the START reply, so it is
	// already buffered ahead of anything that follows.
	if conn.Buffered() == 0 {
		t.Fatal("no push buffered after START")
	}

	reply, err := conn.Request(wire.NewSessionMessage(wire.SubkeyGetState, uid),
		wire.SessionReply(wire.SubkeyGetState, uid), replyTimeout)
	if err != nil {
		t.Fatalf("GETSTATE: %v", err)
	}
	if got := reply.String(wire.FieldState); got != session.Running.String() {
		t.Errorf("GETSTATE = %q, want %q", got, session.Running)
	}

	push, err := conn.Await(isPush(wire.SubkeyUpdateState, uid, func(wire.Message) bool { return true }), replyTimeout)
	if err != nil {
		t.Fatalf("the skipped push was not left buffered: %v", err)
	}
	if got := push.String(wire.FieldState); got != session.Running.String() {
		t.Errorf("first state push = %q, want %q", got, session.Running)
	}
}

func TestDeleteSessionRemovesFiles(t *testing.T) {
	p, address := startHost(t, "exit 0\n")
	conn := dial(t, address)
	uid, id := createSession(t, conn, validDict(10))
	directory := p.SessionDirectory(id)
	if _, err := os.Stat(filepath.Join(directory, session.StatusFile)); err != nil {
		t.Fatalf("status file missing before delete: %v", err)
	}

	request := wire.NewMessage(wire.KeyDeleteSession).With(wire.FieldUID, uid)
	if _, err := conn.Request(request, wire.KeyReply(wire.KeyDeleteSession), replyTimeout); err != nil {
		t.Fatalf("DELETESESSION: %v", err)
	}
	if _, err := os.Stat(directory); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session directory after delete: %v, want not-exist", err)
	}
	if len(p.Supervisors()) != 0 {
		t.Errorf("project still has %d sessions", len(p.Supervisors()))
	}

	// Deleting again reports the uid as unknown.
	var remoteErr *wire.RemoteError
	if _, err := conn.Request(request, wire.KeyReply(wire.KeyDeleteSession), replyTimeout); !errors.As(err, &remoteErr) {
		t.Errorf("second DELETESESSION: err = %v, want *wire.RemoteError", err)
	}
}

func TestDisconnectClosesAfterReply(t *testing.T) {
	_, address := startHost(t, "exit 0\n")
	conn := dial(t, address)

	if _, err := conn.Request(wire.NewMessage(wire.KeyDisconnect), wire.KeyReply(wire.KeyDisconnect), replyTimeout); err != nil {
		t.Fatalf("DISCONNECT: %v", err)
	}
	testutil.RequireClosed(t, conn.Done(), replyTimeout, "host kept the connection open after DISCONNECT")

	// Other peers are unaffected.
	other := dial(t, address)
	if _, err := other.Request(wire.NewMessage(wire.KeyGetSessions), wire.KeyReply(wire.KeyGetSessions), replyTimeout); err != nil {
		t.Errorf("GETSESSIONS on a new connection: %v", err)
	}
}

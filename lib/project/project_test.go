// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/anglebinbin/Barista-tool-sub000/lib/scheduler"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []int
}

func (r *recordingScheduler) Enqueue(job scheduler.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, job.SessionID())
}

// remoteStub stands in for a remote proxy; only ID and Delete matter
// here.
type remoteStub struct {
	session.Session
	id      int
	deleted bool
}

func (r *remoteStub) ID() int { return r.id }

func (r *remoteStub) Delete(context.Context) error {
	r.deleted = true
	return nil
}

func dict() session.StateDict {
	return session.StateDict{
		Network: session.Network{
			Layers:     map[string]session.Layer{"d": {Name: "data", Type: "Input"}},
			LayerOrder: []string{"d"},
		},
		Solver: map[string]any{"max_iter": 10},
	}
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	p, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := p.NewSession(context.Background(), dict())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if first.ID() != 1 {
		t.Errorf("first session id = %d, want 1", first.ID())
	}
	remote := p.AddRemote(func(id int) session.Session { return &remoteStub{id: id} })
	if remote.ID() != 2 {
		t.Errorf("remote session id = %d, want 2", remote.ID())
	}
	third, err := p.NewSession(context.Background(), session.StateDict{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if third.ID() != 3 {
		t.Errorf("third session id = %d, want 3", third.ID())
	}

	if err := p.Delete(context.Background(), 2); err != nil {
		t.Fatalf("Delete(remote): %v", err)
	}
	if !remote.(*remoteStub).deleted {
		t.Error("deleting a remote session did not reach the proxy")
	}
	// Deleting below the maximum never recycles ids.
	fourth, _ := p.NewSession(context.Background(), session.StateDict{})
	if fourth.ID() != 4 {
		t.Errorf("session id after deleting #2 = %d, want 4", fourth.ID())
	}

	var ids []int
	for _, s := range p.Sessions() {
		ids = append(ids, s.ID())
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 4 {
		t.Errorf("Sessions() ids = %v, want [1 3 4]", ids)
	}
	if len(p.Supervisors()) != 3 {
		t.Errorf("Supervisors() = %d, want 3", len(p.Supervisors()))
	}
}

func TestOpenRediscoversSessionDirectories(t *testing.T) {
	root := t.TempDir()
	p, err := Open(root, Options{ID: "mnist"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for range 2 {
		if _, err := p.NewSession(context.Background(), dict()); err != nil {
			t.Fatalf("NewSession: %v", err)
		}
	}
	for _, stray := range []string{"notes", "0", "-3"} {
		if err := os.MkdirAll(filepath.Join(root, SessionsDir, stray), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	queue := &recordingScheduler{}
	reopened, err := Open(root, Options{ID: "mnist", Scheduler: queue})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if got := len(reopened.Sessions()); got != 2 {
		t.Fatalf("rediscovered %d sessions, want 2", got)
	}
	if len(queue.ids) != 2 {
		t.Errorf("enqueued %v for replay, want both sessions", queue.ids)
	}
	s, err := reopened.Session(2)
	if err != nil {
		t.Fatalf("Session(2): %v", err)
	}
	if state, _ := s.State(context.Background()); state != session.Waiting {
		t.Errorf("rediscovered state = %s, want WAITING", state)
	}
	next, _ := reopened.NewSession(context.Background(), dict())
	if next.ID() != 3 {
		t.Errorf("next id after rediscovery = %d, want 3", next.ID())
	}
}

func TestDeleteRemovesLocalSessionFiles(t *testing.T) {
	p, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := p.NewSession(context.Background(), dict())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := p.Delete(context.Background(), s.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(s.Directory()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session directory still present: %v", err)
	}
	if _, err := p.Session(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session after Delete = %v, want ErrNotFound", err)
	}
	if err := p.Delete(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(99) = %v, want ErrNotFound", err)
	}
}

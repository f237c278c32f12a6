// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
)

// SessionsDir is the directory under the project root holding one
// subdirectory per local session.
const SessionsDir = "sessions"

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Options configures the supervisors a Project creates.
type Options struct {
	// ID names the project in status documents. Defaults to the base
	// name of the root directory.
	ID string

	Trainer     string
	TrainerArgs []string
	GracePeriod time.Duration
	Launcher    session.Launcher
	Scheduler   session.Scheduler
	Parser      *logparse.Parser
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Project is safe for concurrent use.
type Project struct {
	root    string
	options Options
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[int]session.Session
}

// Open loads every session directory under root/sessions and queues
// each for log replay on the scheduler. Directories whose names are
// not positive integers are ignored; a session that fails to load is
// logged and skipped.
func Open(root string, options Options) (*Project, error) {
	if options.ID == "" {
		options.ID = filepath.Base(root)
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	p := &Project{
		root:     root,
		options:  options,
		logger:   options.Logger.With("project", options.ID),
		sessions: make(map[int]session.Session),
	}

	sessionsPath := filepath.Join(root, SessionsDir)
	if err := os.MkdirAll(sessionsPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	entries, err := os.ReadDir(sessionsPath)
	if err != nil {
		return nil, fmt.Errorf("reading sessions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.Atoi(entry.Name())
		if err != nil || id <= 0 {
			continue
		}
		supervisor, err := p.openSupervisor(id)
		if err != nil {
			p.logger.Error("loading session failed", "session_id", id, "error", err)
			continue
		}
		p.sessions[id] = supervisor
		if options.Scheduler != nil {
			options.Scheduler.Enqueue(supervisor)
		}
	}
	p.logger.Info("project opened", "root", root, "sessions", len(p.sessions))
	return p, nil
}

func (p *Project) openSupervisor(id int) (*session.Supervisor, error) {
	return session.Open(session.Config{
		ProjectID:   p.options.ID,
		ID:          id,
		Directory:   p.SessionDirectory(id),
		Trainer:     p.options.Trainer,
		TrainerArgs: p.options.TrainerArgs,
		GracePeriod: p.options.GracePeriod,
		Launcher:    p.options.Launcher,
		Scheduler:   p.options.Scheduler,
		Parser:      p.options.Parser,
		Clock:       p.options.Clock,
		Logger:      p.options.Logger,
	})
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.options.ID }

// SessionDirectory returns where local session id lives.
func (p *Project) SessionDirectory(id int) string {
	return filepath.Join(p.root, SessionsDir, strconv.Itoa(id))
}

// nextIDLocked is max(existing)+1, floor 1.
func (p *Project) nextIDLocked() int {
	next := 1
	for id := range p.sessions {
		next = max(next, id+1)
	}
	return next
}

// NewSession creates a local session with the next free id and
// configures it with dict.
func (p *Project) NewSession(ctx context.Context, dict session.StateDict) (*session.Supervisor, error) {
	p.mu.Lock()
	id := p.nextIDLocked()
	supervisor, err := p.openSupervisor(id)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("creating session %d: %w", id, err)
	}
	p.sessions[id] = supervisor
	p.mu.Unlock()

	if !dict.IsZero() {
		if err := supervisor.SetStateDict(ctx, dict); err != nil {
			return nil, fmt.Errorf("configuring session %d: %w", id, err)
		}
	}
	p.logger.Info("session created", "session_id", id)
	return supervisor, nil
}

// AddRemote attaches a remote session proxy. newProxy receives the id
// the proxy must report.
func (p *Project) AddRemote(newProxy func(id int) session.Session) session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextIDLocked()
	proxy := newProxy(id)
	p.sessions[id] = proxy
	p.logger.Info("remote session attached", "session_id", id)
	return proxy
}

// Session returns session id.
func (p *Project) Session(id int) (session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return s, nil
}

// Sessions returns every session ordered by id.
func (p *Project) Sessions() []session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := slices.Sorted(maps.Keys(p.sessions))
	sessions := make([]session.Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, p.sessions[id])
	}
	return sessions
}

// Supervisors returns the local sessions ordered by id.
func (p *Project) Supervisors() []*session.Supervisor {
	var supervisors []*session.Supervisor
	for _, s := range p.Sessions() {
		if supervisor, ok := s.(*session.Supervisor); ok {
			supervisors = append(supervisors, supervisor)
		}
	}
	return supervisors
}

// deleter is implemented by sessions that must release remote or
// local resources when removed from a project.
type deleter interface {
	Delete(ctx context.Context) error
}

// Delete removes session id from the project. A local session's
// trainer is killed and its directory removed; a remote proxy is asked
// to delete its session on the host. On failure the session stays.
func (p *Project) Delete(ctx context.Context, id int) error {
	s, err := p.Session(id)
	if err != nil {
		return err
	}

	switch s := s.(type) {
	case *session.Supervisor:
		if err := s.Close(ctx); err != nil {
			return fmt.Errorf("stopping session %d: %w", id, err)
		}
		if err := os.RemoveAll(s.Directory()); err != nil {
			return fmt.Errorf("removing session %d: %w", id, err)
		}
	case deleter:
		if err := s.Delete(ctx); err != nil {
			return fmt.Errorf("deleting remote session %d: %w", id, err)
		}
	}

	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
	p.logger.Info("session deleted", "session_id", id)
	return nil
}

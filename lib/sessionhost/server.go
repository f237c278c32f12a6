// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/anglebinbin/Barista-tool-sub000/lib/project"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// sessionHandler serves one session subkey. It fills reply's
// operation fields; a returned error becomes a failed reply.
type sessionHandler func(ctx context.Context, s *session.Supervisor, request, reply wire.Message) error

// keyHandler serves one top-level key.
type keyHandler func(ctx context.Context, conn *wire.Conn, request, reply wire.Message) error

// Config configures a Server.
type Config struct {
	// Wire configures every accepted connection.
	Wire wire.Options

	Logger *slog.Logger
}

// Server serves one project. Create it with New, then call Serve.
type Server struct {
	project *project.Project
	wire    wire.Options
	logger  *slog.Logger

	mu      sync.Mutex
	peers   map[*wire.Conn]struct{}
	watched map[int]func()

	activeConnections sync.WaitGroup
}

// New returns a Server for p. Every local session gets a uid (if it
// has none yet) and is observed for push notifications.
func New(p *project.Project, config Config) (*Server, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Wire.Logger == nil {
		config.Wire.Logger = config.Logger
	}
	s := &Server{
		project: p,
		wire:    config.Wire,
		logger:  config.Logger,
		peers:   make(map[*wire.Conn]struct{}),
		watched: make(map[int]func()),
	}
	for _, supervisor := range p.Supervisors() {
		if err := s.adopt(supervisor); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// adopt assigns a uid to supervisor if needed and starts pushing its
// notifications.
func (s *Server) adopt(supervisor *session.Supervisor) error {
	uid := supervisor.UID()
	if uid == "" {
		uid = uuid.NewString()
		if err := supervisor.SetUID(uid); err != nil {
			return fmt.Errorf("assigning uid to session %d: %w", supervisor.ID(), err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[supervisor.ID()]; !ok {
		s.watched[supervisor.ID()] = supervisor.Subscribe(&pushObserver{server: s, uid: uid})
	}
	return nil
}

func (s *Server) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unsubscribe, ok := s.watched[id]; ok {
		unsubscribe()
		delete(s.watched, id)
	}
}

// lookup finds the local session with uid.
func (s *Server) lookup(uid string) (*session.Supervisor, error) {
	if uid == "" {
		return nil, errors.New("missing session uid")
	}
	for _, supervisor := range s.project.Supervisors() {
		if supervisor.UID() == uid {
			return supervisor, nil
		}
	}
	return nil, fmt.Errorf("no session with uid %s", uid)
}

// ListenAndServe listens on address (TCP) and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes every peer connection and waits for their handlers to finish.
// Trainers keep running.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for conn := range s.peers {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("session host listening", "address", listener.Addr().String())

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		conn := wire.NewConn(raw, s.wire)
		s.mu.Lock()
		s.peers[conn] = struct{}{}
		s.mu.Unlock()

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection dispatches requests until the peer goes away.
func (s *Server) handleConnection(ctx context.Context, conn *wire.Conn) {
	peer := conn
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Info("peer connected")

	var requests sync.WaitGroup
	defer requests.Wait()
	for {
		request, err := conn.Next(ctx, wire.Any)
		if err != nil {
			s.logger.Info("peer disconnected", "reason", err)
			return
		}
		requests.Add(1)
		go func() {
			defer requests.Done()
			s.dispatch(ctx, conn, request)
		}()
	}
}

// dispatch serves one request and sends its reply.
func (s *Server) dispatch(ctx context.Context, conn *wire.Conn, request wire.Message) {
	reply := wire.Reply(request)
	logger := s.logger.With("key", request.Key(), "subkey", request.Subkey(), "uid", request.UID())

	var err error
	if request.Key() == wire.KeySession {
		err = s.dispatchSession(ctx, request, reply)
	} else {
		var handler keyHandler
		if handler, err = s.keyHandlerFor(request.Key()); err == nil {
			err = handler(ctx, conn, request, reply)
		}
	}
	if err != nil {
		logger.Debug("request failed", "error", err)
		reply.Fail(err.Error())
	}

	if sendErr := conn.Send(reply); sendErr != nil {
		logger.Debug("sending reply failed", "error", sendErr)
		return
	}
	if request.Key() == wire.KeyDisconnect {
		conn.Close()
	}
}

func (s *Server) dispatchSession(ctx context.Context, request, reply wire.Message) error {
	handler, err := sessionHandlerFor(request.Subkey())
	if err != nil {
		return err
	}
	supervisor, err := s.lookup(request.UID())
	if err != nil {
		return err
	}
	return handler(ctx, supervisor, request, reply)
}

// broadcast sends m to every connected peer. Failed peers drop out on
// their own.
func (s *Server) broadcast(m wire.Message) {
	s.mu.Lock()
	peers := make([]*wire.Conn, 0, len(s.peers))
	for conn := range s.peers {
		peers = append(peers, conn)
	}
	s.mu.Unlock()
	for _, conn := range peers {
		if err := conn.Send(m); err != nil {
			s.logger.Debug("push failed", "subkey", m.Subkey(), "error", err)
		}
	}
}

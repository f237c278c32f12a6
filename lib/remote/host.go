// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// DefaultRequestTimeout bounds one request/reply exchange.
const DefaultRequestTimeout = 10 * time.Second

// DefaultDebounce is the SetStateDict coalescing window.
const DefaultDebounce = 300 * time.Millisecond

// Dialer opens the raw stream to a host.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// HostConfig configures a Host. The zero value is usable.
type HostConfig struct {
	// Wire configures the connection.
	Wire wire.Options

	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Debounce overrides DefaultDebounce for every proxy.
	Debounce time.Duration

	// Dial overrides TCP dialing.
	Dial Dialer

	// Clock drives the debounce timers.
	Clock clock.Clock

	Logger *slog.Logger
}

// Host is the shared connection to one remote session host.
type Host struct {
	address        string
	wire           wire.Options
	requestTimeout time.Duration
	debounce       time.Duration
	dial           Dialer
	clock          clock.Clock
	logger         *slog.Logger

	connecting singleflight.Group

	// mu guards conn. It may be held while calling into conn.
	mu   sync.Mutex
	conn *wire.Conn

	// registryMu guards proxies. The dispatcher's predicate takes it
	// while the connection's buffer lock is held, so nothing may call
	// into a connection while holding it.
	registryMu sync.Mutex
	proxies    map[string]*Session
}

// NewHost returns an unconnected Host for address.
func NewHost(address string, config HostConfig) *Host {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Dial == nil {
		config.Dial = func(ctx context.Context, address string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "tcp", address)
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	logger := config.Logger.With("host", address)
	if config.Wire.Logger == nil {
		config.Wire.Logger = logger
	}
	if config.Wire.Notification == nil {
		config.Wire.Notification = wire.Push
	}
	return &Host{
		address:        address,
		wire:           config.Wire,
		requestTimeout: config.RequestTimeout,
		debounce:       config.Debounce,
		dial:           config.Dial,
		clock:          config.Clock,
		logger:         logger,
		proxies:        make(map[string]*Session),
	}
}

// Address returns the host address.
func (h *Host) Address() string { return h.address }

// Connected reports whether a live connection exists. It never dials.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil && h.conn.Connected()
}

// connect returns the live connection, dialing one if needed.
// Concurrent callers share a single dial.
func (h *Host) connect(ctx context.Context) (*wire.Conn, error) {
	h.mu.Lock()
	if h.conn != nil && h.conn.Connected() {
		conn := h.conn
		h.mu.Unlock()
		return conn, nil
	}
	h.mu.Unlock()

	result, err, _ := h.connecting.Do("connect", func() (any, error) {
		h.mu.Lock()
		if h.conn != nil && h.conn.Connected() {
			conn := h.conn
			h.mu.Unlock()
			return conn, nil
		}
		h.mu.Unlock()

		raw, err := h.dial(ctx, h.address)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing %s: %w", wire.ErrClosed, h.address, err)
		}
		conn := wire.NewConn(raw, h.wire)
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		go h.dispatch(conn)
		h.logger.Info("connected to session host")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*wire.Conn), nil
}

// drop closes conn and, if it was still the current connection, marks
// every registered proxy disconnected with cause.
func (h *Host) drop(conn *wire.Conn, cause error) {
	h.mu.Lock()
	current := h.conn == conn
	if current {
		h.conn = nil
	}
	h.mu.Unlock()
	conn.Close()
	if current {
		h.logger.Warn("lost connection to session host", "error", cause)
		h.markDisconnected(cause)
	}
}

func (h *Host) markDisconnected(cause error) {
	for _, proxy := range h.registered() {
		proxy.markDisconnected(cause)
	}
}

// request performs one exchange. Transport and protocol failures close
// the connection so the next call starts from scratch.
func (h *Host) request(ctx context.Context, m wire.Message, predicate wire.Predicate) (wire.Message, error) {
	conn, err := h.connect(ctx)
	if err != nil {
		h.markDisconnected(err)
		return nil, err
	}
	reply, err := conn.Request(m, predicate, h.requestTimeout)
	switch {
	case err == nil:
	case isDisconnect(err):
		h.logger.Warn("request failed", "key", m.Key(), "subkey", m.Subkey(), "error", err)
		h.drop(conn, err)
	case errors.Is(err, wire.ErrTooManyWakeups):
		// The peer is busy, not gone. Its late reply must not answer
		// the next identical request.
		h.logger.Warn("request abandoned", "key", m.Key(), "subkey", m.Subkey(), "error", err)
		go conn.Await(predicate, h.requestTimeout)
	}
	return reply, err
}

// isDisconnect reports whether err leaves the peer unusable, as
// opposed to a failed reply or an abandoned wait.
func isDisconnect(err error) bool {
	return errors.Is(err, wire.ErrClosed) ||
		errors.Is(err, wire.ErrTimeout)
}

// dispatch routes pushes for registered proxies until conn fails, then
// marks those proxies disconnected.
func (h *Host) dispatch(conn *wire.Conn) {
	claim := func(m wire.Message) bool {
		if m.Key() != wire.KeySession || !m.Subkey().IsPush() {
			return false
		}
		h.registryMu.Lock()
		defer h.registryMu.Unlock()
		_, ok := h.proxies[m.UID()]
		return ok
	}
	for {
		m, err := conn.Next(context.Background(), claim)
		if err != nil {
			h.drop(conn, err)
			return
		}
		if proxy := h.proxy(m.UID()); proxy != nil {
			proxy.handlePush(m)
		}
	}
}

func (h *Host) proxy(uid string) *Session {
	h.registryMu.Lock()
	defer h.registryMu.Unlock()
	return h.proxies[uid]
}

func (h *Host) registered() []*Session {
	h.registryMu.Lock()
	defer h.registryMu.Unlock()
	proxies := make([]*Session, 0, len(h.proxies))
	for _, proxy := range h.proxies {
		proxies = append(proxies, proxy)
	}
	return proxies
}

// Attach returns a proxy for the remote session uid, reporting id as
// its local session number. Pushes already buffered for uid are
// delivered to it.
func (h *Host) Attach(uid string, id int) *Session {
	proxy := newSession(h, uid, id)
	h.registryMu.Lock()
	h.proxies[uid] = proxy
	h.registryMu.Unlock()

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		conn.Stage()
	}
	return proxy
}

func (h *Host) detach(uid string) {
	h.registryMu.Lock()
	defer h.registryMu.Unlock()
	delete(h.proxies, uid)
}

// Info describes one session served by a host.
type Info struct {
	ID    int
	UID   string
	State session.State
}

// Sessions lists the host's sessions.
func (h *Host) Sessions(ctx context.Context) ([]Info, error) {
	reply, err := h.request(ctx, wire.NewMessage(wire.KeyGetSessions), wire.KeyReply(wire.KeyGetSessions))
	if err != nil {
		return nil, err
	}
	var entries []map[string]any
	if err := reply.Decode(wire.FieldSessions, &entries); err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		m := wire.Message(entry)
		id, _ := m.Int(wire.FieldSessionID)
		state, err := session.ParseState(m.String(wire.FieldState))
		if err != nil {
			state = session.Undefined
		}
		infos = append(infos, Info{ID: id, UID: m.UID(), State: state})
	}
	return infos, nil
}

// CreateSession asks the host for a new session configured with dict
// and returns its uid and host-side id.
func (h *Host) CreateSession(ctx context.Context, dict session.StateDict) (string, int, error) {
	if unknown := dict.UnknownLayers(); len(unknown) > 0 {
		return "", 0, fmt.Errorf("%w: unknown layers %v", ErrInconsistentStateDict, unknown)
	}
	request := wire.NewMessage(wire.KeyCreateSession)
	if !dict.IsZero() {
		request.With(wire.FieldStateDict, dict)
	}
	reply, err := h.request(ctx, request, wire.KeyReply(wire.KeyCreateSession))
	if err != nil {
		return "", 0, err
	}
	id, _ := reply.Int(wire.FieldSessionID)
	uid := reply.UID()
	if uid == "" {
		return "", 0, errors.New("host created a session without a uid")
	}
	return uid, id, nil
}

// DeleteSession stops the session uid on the host and removes its
// files.
func (h *Host) DeleteSession(ctx context.Context, uid string) error {
	request := wire.NewMessage(wire.KeyDeleteSession).With(wire.FieldUID, uid)
	_, err := h.request(ctx, request, func(m wire.Message) bool {
		return m.Key() == wire.KeyDeleteSession && m.UID() == uid
	})
	if err != nil {
		return err
	}
	h.detach(uid)
	return nil
}

// Close announces the disconnect to the host when connected, then
// closes the connection. Registered proxies become NOTCONNECTED.
func (h *Host) Close() error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	if conn.Connected() {
		if _, err := conn.Request(wire.NewMessage(wire.KeyDisconnect), wire.KeyReply(wire.KeyDisconnect), h.requestTimeout); err != nil {
			h.logger.Debug("disconnect handshake failed", "error", err)
		}
	}
	h.drop(conn, errHostClosed)
	return nil
}

var errHostClosed = errors.New("closed by client")

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
)

var (
	// ErrClosed wraps every failure caused by the connection going
	// away: peer close, reset, local Close.
	ErrClosed = errors.New("wire: connection closed")

	// ErrTimeout is returned when a correlated read sees no matching
	// message within its timeout.
	ErrTimeout = errors.New("wire: timed out waiting for reply")

	// ErrTooManyWakeups is returned when more than Options.MaxWakeups
	// candidate messages arrived during a correlated read without one
	// matching it.
	ErrTooManyWakeups = errors.New("wire: too many wake-ups waiting for reply")
)

// DefaultMaxWakeups caps how many candidate arrivals a single
// correlated read will inspect before giving up. Notifications do not
// count.
const DefaultMaxWakeups = 100

// DefaultMaxBuffered caps unclaimed inbound messages. When exceeded the
// oldest unclaimed message is dropped.
const DefaultMaxBuffered = 4096

// DefaultWriteTimeout bounds one frame write.
const DefaultWriteTimeout = 10 * time.Second

// Options configures a Conn. The zero value is usable.
type Options struct {
	// Compression is applied to every outbound frame. Inbound frames
	// carry their own tag, so peers may differ.
	Compression Compression

	// MaxWakeups overrides DefaultMaxWakeups for Await.
	MaxWakeups int

	// Notification identifies unsolicited messages. They can never
	// answer a correlated read, so they are not charged against
	// MaxWakeups. Nil treats every message as a candidate.
	Notification Predicate

	// MaxBuffered overrides DefaultMaxBuffered.
	MaxBuffered int

	// WriteTimeout overrides DefaultWriteTimeout.
	WriteTimeout time.Duration

	// Clock drives Await timeouts. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives connection lifecycle events. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxWakeups <= 0 {
		o.MaxWakeups = DefaultMaxWakeups
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = DefaultMaxBuffered
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Predicate selects the message a correlated read is waiting for.
type Predicate func(Message) bool

// Any matches every message.
func Any(Message) bool { return true }

// SessionReply matches the reply to a session request: same subkey,
// same uid.
func SessionReply(subkey Subkey, uid string) Predicate {
	return func(m Message) bool {
		return m.Key() == KeySession && m.Subkey() == subkey && m.UID() == uid
	}
}

// KeyReply matches the reply to a top-level request.
func KeyReply(key Key) Predicate {
	return func(m Message) bool {
		return m.Key() == key && m.Subkey() == ""
	}
}

// Push matches session notifications pushed by the host.
func Push(m Message) bool {
	return m.Key() == KeySession && m.Subkey().IsPush()
}

// Conn is one persistent message connection. A background reader
// decodes frames into an inbound buffer; callers claim messages from
// it with Await or Next. All methods are safe for concurrent use.
type Conn struct {
	raw     net.Conn
	options Options
	logger  *slog.Logger

	writeMu sync.Mutex

	// mu guards the inbound buffer, the announcement channel, the
	// candidate counter and the terminal error.
	mu    sync.Mutex
	inbox []Message
	// candidates counts arrivals that were not notifications.
	candidates uint64
	// announce is closed and replaced whenever the buffer may hold
	// something new for a waiter: a frame arrived or Stage was called.
	announce chan struct{}
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps raw and starts the reader goroutine.
func NewConn(raw net.Conn, options Options) *Conn {
	options = options.withDefaults()
	c := &Conn{
		raw:      raw,
		options:  options,
		logger:   options.Logger.With("peer", raw.RemoteAddr().String()),
		announce: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial opens a TCP connection to address and wraps it.
func Dial(ctx context.Context, address string, options Options) (*Conn, error) {
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrClosed, address, err)
	}
	return NewConn(raw, options), nil
}

func (c *Conn) readLoop() {
	for {
		m, err := ReadMessage(c.raw)
		if err != nil {
			c.fail(err)
			return
		}
		c.deliver(m)
	}
}

func (c *Conn) deliver(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, m)
	if c.options.Notification == nil || !c.options.Notification(m) {
		c.candidates++
	}
	if len(c.inbox) > c.options.MaxBuffered {
		dropped := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.logger.Warn("dropping unclaimed message",
			"key", dropped.Key(),
			"subkey", dropped.Subkey(),
			"uid", dropped.UID(),
		)
	}
	c.announceLocked()
}

func (c *Conn) announceLocked() {
	close(c.announce)
	c.announce = make(chan struct{})
}

// Stage re-announces the buffer to every blocked reader without a new
// arrival. A dispatcher that leaves a message buffered for someone else
// calls Stage so that reader re-checks instead of sleeping through it.
func (c *Conn) Stage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announceLocked()
}

// claimLocked removes and returns the first buffered message matching
// predicate. Non-matching messages keep their position.
func (c *Conn) claimLocked(predicate Predicate) (Message, bool) {
	for i, m := range c.inbox {
		if predicate(m) {
			c.inbox = append(c.inbox[:i], c.inbox[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// Await claims the first message matching predicate, blocking up to
// timeout. It fails with ErrTimeout, ErrTooManyWakeups, or an error
// wrapping ErrClosed. Only candidate arrivals that did not match count
// as wake-ups; notifications and Stage calls are free.
func (c *Conn) Await(predicate Predicate, timeout time.Duration) (Message, error) {
	deadline := c.options.Clock.After(timeout)
	c.mu.Lock()
	start := c.candidates
	c.mu.Unlock()
	for {
		c.mu.Lock()
		if m, ok := c.claimLocked(predicate); ok {
			c.mu.Unlock()
			return m, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if c.candidates-start > uint64(c.options.MaxWakeups) {
			c.mu.Unlock()
			return nil, ErrTooManyWakeups
		}
		announce := c.announce
		c.mu.Unlock()

		select {
		case <-announce:
		case <-c.done:
			// Loop once more: a matching message may have been
			// buffered just before the failure.
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

// Next claims the first message matching predicate, blocking until one
// arrives, ctx is done, or the connection fails. It has no wake-up cap;
// it is meant for long-lived dispatch loops.
func (c *Conn) Next(ctx context.Context, predicate Predicate) (Message, error) {
	for {
		c.mu.Lock()
		if m, ok := c.claimLocked(predicate); ok {
			c.mu.Unlock()
			return m, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		announce := c.announce
		c.mu.Unlock()

		select {
		case <-announce:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send writes m as one frame. A write failure closes the connection.
func (c *Conn) Send(m Message) error {
	payload, err := EncodeMessage(m, c.options.Compression)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	c.raw.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := WriteFrame(c.raw, payload); err != nil {
		c.fail(err)
		return c.Err()
	}
	return nil
}

// Request sends m and awaits the reply matching predicate. A reply with
// status false is returned together with its *RemoteError.
func (c *Conn) Request(m Message, predicate Predicate, timeout time.Duration) (Message, error) {
	if err := c.Send(m); err != nil {
		return nil, err
	}
	reply, err := c.Await(predicate, timeout)
	if err != nil {
		return nil, err
	}
	return reply, reply.Err()
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	return c.Err() == nil
}

// Err returns the terminal error, or nil while connected.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection fails or is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and releases every waiter.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

// Buffered returns the number of unclaimed inbound messages.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %w", ErrClosed, cause)
		c.announceLocked()
		c.mu.Unlock()

		c.raw.Close()
		close(c.done)

		if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
			c.logger.Debug("connection closed", "reason", cause)
		} else {
			c.logger.Warn("connection failed", "error", cause)
		}
	})
}

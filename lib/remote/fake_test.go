// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// fakeHost answers requests over net.Pipe connections. By default every
// request gets a bare success reply; respond may fill in fields, push
// first, or return nil to leave the request unanswered.
type fakeHost struct {
	mu       sync.Mutex
	requests []wire.Message
	conns    []*wire.Conn
	dials    int
	respond  func(conn *wire.Conn, request, reply wire.Message) wire.Message
}

func newFakeHost(t *testing.T) *fakeHost {
	h := &fakeHost{}
	t.Cleanup(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, conn := range h.conns {
			conn.Close()
		}
	})
	return h
}

func (h *fakeHost) dial(context.Context, string) (net.Conn, error) {
	client, server := net.Pipe()
	conn := wire.NewConn(server, wire.Options{})
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.dials++
	h.mu.Unlock()
	go h.serve(conn)
	return client, nil
}

func (h *fakeHost) serve(conn *wire.Conn) {
	for {
		request, err := conn.Next(context.Background(), wire.Any)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.requests = append(h.requests, request)
		respond := h.respond
		h.mu.Unlock()

		reply := wire.Reply(request)
		if respond != nil {
			reply = respond(conn, request, reply)
		}
		if reply != nil {
			conn.Send(reply)
		}
	}
}

func (h *fakeHost) setRespond(respond func(conn *wire.Conn, request, reply wire.Message) wire.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respond = respond
}

// received returns the requests with subkey, oldest first.
func (h *fakeHost) received(subkey wire.Subkey) []wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var matched []wire.Message
	for _, request := range h.requests {
		if request.Subkey() == subkey {
			matched = append(matched, request)
		}
	}
	return matched
}

func (h *fakeHost) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// current returns the newest server-side connection.
func (h *fakeHost) current() *wire.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

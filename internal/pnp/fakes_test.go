package pnp

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/ambianic/pnp/internal/signaling"
)

type fakeSession struct {
	id     string
	events chan signaling.Event
	conns  chan *fakeConn

	mu         sync.Mutex
	status     signaling.Status
	closed     bool
	reconnects int
	connects   []string
	opts       []signaling.ConnectOptions
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:     id,
		status: signaling.StatusOpening,
		events: make(chan signaling.Event, 32),
		conns:  make(chan *fakeConn, 8),
	}
}

func (s *fakeSession) Events() <-chan signaling.Event { return s.events }

func (s *fakeSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *fakeSession) Status() signaling.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// emit delivers ev, moving the status the way a relay session does. An
// error leaves the status alone, like an error frame on a live socket.
func (s *fakeSession) emit(ev signaling.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch ev.Type {
	case signaling.EventReady:
		s.status = signaling.StatusOpen
		s.id = ev.ID
	case signaling.EventDisconnected:
		s.status = signaling.StatusDisconnected
	}
	s.events <- ev
}

// failDial reports a dial failure: the session is disconnected and errors.
func (s *fakeSession) failDial(err error) {
	s.mu.Lock()
	if !s.closed {
		s.status = signaling.StatusDisconnected
	}
	s.mu.Unlock()
	s.emit(signaling.Event{Type: signaling.EventError, Err: err})
}

// Reconnect mirrors the relay session: a no-op while open or opening.
func (s *fakeSession) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return signaling.ErrDestroyed
	case s.status == signaling.StatusOpen || s.status == signaling.StatusOpening:
		return nil
	}
	s.status = signaling.StatusOpening
	s.reconnects++
	return nil
}

func (s *fakeSession) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *fakeSession) Connect(remoteID string, opts signaling.ConnectOptions) (signaling.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, signaling.ErrDestroyed
	}
	s.connects = append(s.connects, remoteID)
	s.opts = append(s.opts, opts)
	c := newFakeConn(remoteID)
	s.conns <- c
	return c, nil
}

func (s *fakeSession) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connects)
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.status = signaling.StatusDestroyed
	s.events <- signaling.Event{Type: signaling.EventClosed}
	close(s.events)
	return nil
}

// fakeConn is a negotiated connection whose stream is one end of a pipe.
// The other end plays the edge device.
type fakeConn struct {
	peer   string
	events chan signaling.ConnEvent
	local  net.Conn
	remote net.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeConn(peer string) *fakeConn {
	local, remote := net.Pipe()
	return &fakeConn{
		peer:   peer,
		events: make(chan signaling.ConnEvent, 8),
		local:  local,
		remote: remote,
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Peer() string                       { return c.peer }
func (c *fakeConn) Label() string                      { return DefaultLabel }
func (c *fakeConn) Events() <-chan signaling.ConnEvent { return c.events }

func (c *fakeConn) Stream() (io.ReadWriteCloser, error) { return c.local, nil }

func (c *fakeConn) emit(ev signaling.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.events)
	_ = c.local.Close()
	_ = c.remote.Close()
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeRoom struct {
	mu      sync.Mutex
	members []string
	err     error
	calls   int
}

func (r *fakeRoom) Members(ctx context.Context, localID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return append([]string(nil), r.members...), nil
}

func (r *fakeRoom) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

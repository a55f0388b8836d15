// Package signaling keeps a session with the relay and negotiates direct
// WebRTC data connections through it.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/wsclient"
	"github.com/ambianic/pnp/pkg/protocol"
)

var (
	ErrDestroyed       = errors.New("signaling: session destroyed")
	ErrNotOpen         = errors.New("signaling: session not open")
	ErrIDTaken         = errors.New("signaling: peer id is taken")
	ErrPeerUnavailable = errors.New("signaling: remote peer unavailable")
	ErrRelay           = errors.New("signaling: relay error")
)

// dialTimeout bounds the websocket dial and the wait for the relay's open.
const dialTimeout = 10 * time.Second

// Status is the relay session lifecycle.
type Status int

const (
	StatusOpening Status = iota
	StatusOpen
	StatusDisconnected
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventType names a session event.
type EventType int

const (
	EventReady EventType = iota
	EventDisconnected
	EventClosed
	EventError
	EventConnection
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventConnection:
		return "connection"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted on Session.Events. ID is set for EventReady, Err for
// EventError and Conn for EventConnection.
type Event struct {
	Type EventType
	ID   string
	Err  error
	Conn Conn
}

// ConnectOptions configure an outbound data connection.
type ConnectOptions struct {
	Label         string
	Reliable      bool
	Serialization string
}

// Session is one registration with the relay. It re-dials on Reconnect and
// is finished once destroyed.
type Session struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API
	events *queue[Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	id     string
	ws     *wsclient.Conn
	conns  map[string]*DataConn
}

// NewSession starts registering with the relay as id, or under a relay
// assigned id when id is empty. The outcome arrives on Events.
func NewSession(cfg Config, id string) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		logger: logger.With("component", "signaling"),
		api:    cfg.newAPI(logger),
		events: newQueue(func(e Event) bool { return e.Type == EventClosed }),
		ctx:    ctx,
		cancel: cancel,
		status: StatusOpening,
		id:     id,
		conns:  make(map[string]*DataConn),
	}
	go s.run(id)
	return s
}

// Events delivers session events in order. The channel is closed after
// EventClosed.
func (s *Session) Events() <-chan Event { return s.events.out }

// ID returns the identity registered with the relay, or the requested one
// before registration completes.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reconnect re-dials the relay with the last identity. It is a no-op while
// the session is open or opening.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusDestroyed:
		return ErrDestroyed
	case StatusOpen, StatusOpening:
		return nil
	}
	s.status = StatusOpening
	go s.run(s.id)
	return nil
}

// Close destroys the session and every connection it owns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDestroyed
	ws := s.ws
	s.ws = nil
	conns := make([]*DataConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.cancel()
	if ws != nil {
		_ = ws.Close()
	}
	s.events.push(Event{Type: EventClosed})
	return nil
}

func (s *Session) run(id string) {
	ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	ws, err := wsclient.Dial(ctx, s.cfg.url(id), s.cfg.WS, s.logger)
	cancel()
	if err != nil {
		s.logger.Warn("relay dial failed", "error", err)
		if s.markDisconnected() {
			s.events.push(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrRelay, err)})
		}
		return
	}

	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.ws = ws
	s.mu.Unlock()

	err = ws.ReadLoop(s.ctx, s.handle)
	_ = ws.Close()
	s.logger.Debug("relay read loop ended", "error", err)

	s.mu.Lock()
	if s.ws == ws {
		s.ws = nil
	}
	s.mu.Unlock()
	if s.markDisconnected() {
		s.events.push(Event{Type: EventDisconnected})
	}
}

// markDisconnected moves a live session to Disconnected and reports
// whether it did.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return false
	}
	s.status = StatusDisconnected
	return true
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOpen:
		var open protocol.Open
		if err := env.DecodePayload(&open); err != nil || open.PeerID == "" {
			s.logger.Warn("malformed open", "error", err)
			return
		}
		s.mu.Lock()
		if s.status == StatusDestroyed {
			s.mu.Unlock()
			return
		}
		s.status = StatusOpen
		s.id = open.PeerID
		s.mu.Unlock()
		s.events.push(Event{Type: EventReady, ID: open.PeerID})

	case protocol.TypeError:
		var perr protocol.Error
		_ = env.DecodePayload(&perr)
		if perr.Code == protocol.CodeIDTaken {
			s.events.push(Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrIDTaken, perr.Message)})
			s.Close()
			return
		}
		s.events.push(Event{Type: EventError, Err: fmt.Errorf("%w: %s: %s", ErrRelay, perr.Code, perr.Message)})

	case protocol.TypeOffer:
		var offer protocol.Offer
		if err := env.DecodePayload(&offer); err != nil {
			s.logger.Warn("malformed offer", "from", env.From, "error", err)
			return
		}
		s.accept(env.From, offer)

	case protocol.TypeAnswer:
		var answer protocol.Answer
		if err := env.DecodePayload(&answer); err != nil {
			s.logger.Warn("malformed answer", "from", env.From, "error", err)
			return
		}
		if c := s.lookup(answer.ConnectionID); c != nil {
			c.handleAnswer(answer)
		}

	case protocol.TypeCandidate:
		var cand protocol.Candidate
		if err := env.DecodePayload(&cand); err != nil {
			s.logger.Warn("malformed candidate", "from", env.From, "error", err)
			return
		}
		if c := s.lookup(cand.ConnectionID); c != nil {
			c.handleCandidate(cand)
		}

	case protocol.TypeLeave:
		var leave protocol.Leave
		_ = env.DecodePayload(&leave)
		if c := s.lookup(leave.ConnectionID); c != nil {
			c.closeWith(nil, false)
		}

	case protocol.TypeExpire:
		var exp protocol.Expire
		_ = env.DecodePayload(&exp)
		if c := s.lookup(exp.ConnectionID); c != nil {
			c.closeWith(fmt.Errorf("%w: %s", ErrPeerUnavailable, exp.PeerID), false)
		}

	default:
		s.logger.Debug("ignoring relay message", "type", env.Type)
	}
}

// Connect starts negotiating a data connection to remoteID. The returned
// Conn reports progress on its Events channel.
func (s *Session) Connect(remoteID string, opts ConnectOptions) (Conn, error) {
	if s.Status() != StatusOpen {
		if s.Status() == StatusDestroyed {
			return nil, ErrDestroyed
		}
		return nil, ErrNotOpen
	}
	if opts.Serialization == "" {
		opts.Serialization = protocol.SerializationRaw
	}
	c, err := s.newConn(remoteID, newConnectionID(), opts, true)
	if err != nil {
		return nil, err
	}
	if err := c.offer(); err != nil {
		c.closeWith(err, false)
		return nil, err
	}
	return c, nil
}

func (s *Session) accept(from string, offer protocol.Offer) {
	if from == "" || offer.ConnectionID == "" {
		return
	}
	if s.lookup(offer.ConnectionID) != nil {
		return
	}
	opts := ConnectOptions{Label: offer.Label, Reliable: offer.Reliable, Serialization: offer.Serialization}
	c, err := s.newConn(from, offer.ConnectionID, opts, false)
	if err != nil {
		s.logger.Error("accepting connection failed", "peer", from, "error", err)
		return
	}
	s.events.push(Event{Type: EventConnection, Conn: c})
	if err := c.answer(offer.SDP); err != nil {
		s.logger.Warn("answering offer failed", "peer", from, "error", err)
		c.closeWith(err, true)
	}
}

func (s *Session) register(c *DataConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Session) forget(c *DataConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
}

func (s *Session) lookup(connectionID string) *DataConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[connectionID]
}

// send relays a message to peer. Messages are dropped while disconnected.
func (s *Session) send(msgType, to string, payload any) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrNotOpen
	}
	env, err := protocol.NewAddressed(msgType, to, payload)
	if err != nil {
		return err
	}
	return ws.Send(env)
}

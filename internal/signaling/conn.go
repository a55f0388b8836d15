package signaling

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ambianic/pnp/pkg/protocol"
)

// ErrNegotiationFailed is reported when ICE cannot establish a path.
var ErrNegotiationFailed = errors.New("signaling: peer connection failed")

// ConnEventType names a data connection event.
type ConnEventType int

const (
	ConnOpen ConnEventType = iota
	ConnClose
	ConnError
)

func (t ConnEventType) String() string {
	switch t {
	case ConnOpen:
		return "open"
	case ConnClose:
		return "close"
	case ConnError:
		return "error"
	default:
		return fmt.Sprintf("conn-event(%d)", int(t))
	}
}

// ConnEvent is emitted on Conn.Events. ConnClose is always last.
type ConnEvent struct {
	Type ConnEventType
	Err  error
}

// Conn is a direct data connection negotiated through the relay.
type Conn interface {
	Peer() string
	Label() string
	Events() <-chan ConnEvent
	// Stream returns the detached byte stream once the connection is open.
	Stream() (io.ReadWriteCloser, error)
	Close() error
}

// DataConn is a pion PeerConnection carrying a single data channel.
type DataConn struct {
	session  *Session
	id       string
	peer     string
	opts     ConnectOptions
	outbound bool
	pc       *webrtc.PeerConnection
	events   *queue[ConnEvent]

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	stream     io.ReadWriteCloser
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	localICE   []protocol.Candidate
	signaled   bool
	closed     bool
}

var _ Conn = (*DataConn)(nil)

func newConnectionID() string {
	return "dc_" + uuid.NewString()
}

func (s *Session) newConn(peer, id string, opts ConnectOptions, outbound bool) (*DataConn, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c := &DataConn{
		session:  s,
		id:       id,
		peer:     peer,
		opts:     opts,
		outbound: outbound,
		pc:       pc,
		events:   newQueue(func(e ConnEvent) bool { return e.Type == ConnClose }),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		msg := protocol.Candidate{
			ConnectionID:     c.id,
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		c.mu.Lock()
		if !c.signaled {
			c.localICE = append(c.localICE, msg)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.sendCandidate(msg)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state", "peer", c.peer, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.closeWith(ErrNegotiationFailed, true)
		case webrtc.PeerConnectionStateClosed:
			c.closeWith(nil, true)
		}
	})
	if !outbound {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.wire(dc)
		})
	}

	s.register(c)
	return c, nil
}

func (c *DataConn) Peer() string             { return c.peer }
func (c *DataConn) Label() string            { return c.opts.Label }
func (c *DataConn) Events() <-chan ConnEvent { return c.events.out }

// ConnectionID is the id both sides use for this connection on the relay.
func (c *DataConn) ConnectionID() string { return c.id }

func (c *DataConn) Stream() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotOpen
	}
	return c.stream, nil
}

// Close tears down the connection and tells the remote side. The final
// events are still delivered on Events.
func (c *DataConn) Close() error {
	c.closeWith(nil, true)
	return nil
}

// Release closes conn and discards whatever events it still delivers. Use it
// for connections whose events nobody reads.
func Release(conn Conn) {
	_ = conn.Close()
	go func() {
		for range conn.Events() {
		}
	}()
}

func (c *DataConn) offer() error {
	init := &webrtc.DataChannelInit{}
	ordered := c.opts.Reliable
	init.Ordered = &ordered
	if !c.opts.Reliable {
		var retransmits uint16
		init.MaxRetransmits = &retransmits
	}
	dc, err := c.pc.CreateDataChannel(c.opts.Label, init)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.wire(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	err = c.session.send(protocol.TypeOffer, c.peer, protocol.Offer{
		ConnectionID:  c.id,
		Label:         c.opts.Label,
		Reliable:      c.opts.Reliable,
		Serialization: c.opts.Serialization,
		SDP:           offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	c.flushLocalCandidates()
	return nil
}

func (c *DataConn) answer(sdp string) error {
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	err = c.session.send(protocol.TypeAnswer, c.peer, protocol.Answer{
		ConnectionID: c.id,
		SDP:          answer.SDP,
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.flushLocalCandidates()
	return nil
}

// flushLocalCandidates relays candidates gathered before the description
// went out; the remote side cannot route them earlier.
func (c *DataConn) flushLocalCandidates() {
	c.mu.Lock()
	c.signaled = true
	pending := c.localICE
	c.localICE = nil
	c.mu.Unlock()
	for _, msg := range pending {
		c.sendCandidate(msg)
	}
}

func (c *DataConn) sendCandidate(msg protocol.Candidate) {
	if err := c.session.send(protocol.TypeCandidate, c.peer, msg); err != nil {
		c.session.logger.Debug("dropping local candidate", "peer", c.peer, "error", err)
	}
}

func (c *DataConn) handleAnswer(a protocol.Answer) {
	if !c.outbound {
		return
	}
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}); err != nil {
		c.closeWith(err, true)
	}
}

// setRemote applies the remote description and flushes candidates that
// arrived ahead of it.
func (c *DataConn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	c.mu.Unlock()
	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			c.session.logger.Debug("add buffered candidate", "peer", c.peer, "error", err)
		}
	}
	return nil
}

func (c *DataConn) handleCandidate(cand protocol.Candidate) {
	init := webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(init); err != nil {
		c.session.logger.Debug("add candidate", "peer", c.peer, "error", err)
	}
}

func (c *DataConn) wire(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.dc != nil || c.closed {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	c.dc = dc
	if !c.outbound {
		c.opts.Label = dc.Label()
	}
	c.mu.Unlock()

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			c.closeWith(fmt.Errorf("detach data channel: %w", err), true)
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = raw.Close()
			return
		}
		c.stream = raw
		c.mu.Unlock()
		c.events.push(ConnEvent{Type: ConnOpen})
	})
	dc.OnClose(func() {
		c.closeWith(nil, true)
	})
}

// closeWith finishes the connection once. A non-nil cause is reported as
// ConnError before ConnClose. notify sends leave to the remote peer.
func (c *DataConn) closeWith(cause error, notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	dc := c.dc
	c.mu.Unlock()

	c.session.forget(c)
	if notify {
		_ = c.session.send(protocol.TypeLeave, c.peer, protocol.Leave{ConnectionID: c.id})
	}
	if cause != nil {
		c.events.push(ConnEvent{Type: ConnError, Err: cause})
	}
	c.events.push(ConnEvent{Type: ConnClose})

	go func() {
		if stream != nil {
			_ = stream.Close()
		}
		if dc != nil {
			_ = dc.Close()
		}
		_ = c.pc.Close()
	}()
}

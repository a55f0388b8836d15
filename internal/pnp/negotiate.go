package pnp

import (
	"context"
	"errors"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/channel"
	"github.com/ambianic/pnp/internal/peerfetch"
	"github.com/ambianic/pnp/internal/retry"
	"github.com/ambianic/pnp/internal/signaling"
	"github.com/ambianic/pnp/pkg/protocol"
)

var connectOptions = signaling.ConnectOptions{
	Label:         DefaultLabel,
	Reliable:      true,
	Serialization: protocol.SerializationRaw,
}

func (m *Manager) startConnect(remoteID string) {
	m.cancelConnect()
	ctx, cancel := context.WithCancel(m.ctx)
	m.connectCancel = cancel
	go m.connectLoop(ctx, remoteID)
}

func (m *Manager) cancelConnect() {
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
}

// connectLoop waits for the relay and sends one offer to remoteID.
func (m *Manager) connectLoop(ctx context.Context, remoteID string) {
	err := retry.Loop(ctx, m.clk, m.opts.ConnectPause, func(ctx context.Context) (bool, error) {
		if m.Snapshot().Relay != appstate.RelayConnected {
			m.requestRelay()
			return false, nil
		}
		result := make(chan bool, 1)
		if !m.post(func() { result <- m.openOutbound(ctx, remoteID) }) {
			return false, ErrClosed
		}
		return <-result, nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("connect loop stopped", "peer", remoteID, "error", err)
	}
}

// openOutbound sends the offer. It reports false when the relay is not
// ready yet and the loop should try again.
func (m *Manager) openOutbound(ctx context.Context, remoteID string) bool {
	if ctx.Err() != nil {
		return true
	}
	s := m.store.Snapshot()
	if m.session == nil || s.Relay != appstate.RelayConnected {
		return false
	}
	if s.Peer.Live() {
		return true
	}
	conn, err := m.session.Connect(remoteID, connectOptions)
	if errors.Is(err, signaling.ErrNotOpen) || errors.Is(err, signaling.ErrDestroyed) {
		return false
	}
	if err != nil {
		m.logger.Warn("offer failed", "peer", remoteID, "error", err)
		m.dispatch(appstate.Event{Kind: appstate.EvConnFailed, Err: err})
		return true
	}
	m.logger.Info("offer sent", "peer", remoteID)
	m.setConn(conn)
	m.dispatch(appstate.Event{Kind: appstate.EvOfferSent, ID: remoteID})
	return true
}

func (m *Manager) acceptIncoming() {
	conn := m.pending
	m.pending = nil
	if conn == nil {
		return
	}
	m.closeConnection()
	m.logger.Info("accepting connection", "peer", conn.Peer())
	m.setConn(conn)
}

func (m *Manager) rejectIncoming() {
	if m.pending == nil {
		return
	}
	m.logger.Info("rejecting connection while another is live", "peer", m.pending.Peer())
	signaling.Release(m.pending)
	m.pending = nil
}

// setConn makes conn the tracked connection. Events of earlier connections
// are dropped from here on.
func (m *Manager) setConn(conn signaling.Conn) {
	m.connGen++
	gen := m.connGen
	m.conn = conn
	go m.pumpConn(gen, conn)
}

func (m *Manager) pumpConn(gen uint64, conn signaling.Conn) {
	events := conn.Events()
	for ev := range events {
		ev := ev
		if !m.post(func() { m.onConnEvent(gen, ev) }) {
			break
		}
	}
	for range events {
	}
}

func (m *Manager) onConnEvent(gen uint64, ev signaling.ConnEvent) {
	if gen != m.connGen || m.conn == nil {
		return
	}
	switch ev.Type {
	case signaling.ConnOpen:
		rwc, err := m.conn.Stream()
		if err != nil {
			m.dispatch(appstate.Event{Kind: appstate.EvConnFailed, Err: err})
			return
		}
		peer := m.conn.Peer()
		m.stream = channel.New(rwc, m.lastID, peer)
		m.client = peerfetch.NewClient(m.stream, peer)
		m.dispatch(appstate.Event{Kind: appstate.EvConnOpen, ID: peer})

	case signaling.ConnClose:
		m.dispatch(appstate.Event{Kind: appstate.EvConnClose})

	case signaling.ConnError:
		m.logger.Warn("connection error", "peer", m.conn.Peer(), "error", ev.Err)
		m.dispatch(appstate.Event{Kind: appstate.EvConnFailed, Err: ev.Err})
	}
}

func (m *Manager) startOfferTimer() {
	m.cancelOfferTimer()
	m.offerGen++
	gen := m.offerGen
	m.offerStop = retry.After(m.ctx, m.clk, m.opts.OfferTimeout, func() {
		m.post(func() {
			if gen != m.offerGen || m.offerStop == nil {
				return
			}
			m.offerStop = nil
			m.logger.Warn("remote peer did not answer", "timeout", m.opts.OfferTimeout)
			m.dispatch(appstate.Event{Kind: appstate.EvConnFailed, Message: appstate.MsgOfferTimeout})
		})
	})
}

func (m *Manager) cancelOfferTimer() {
	m.offerGen++
	if m.offerStop != nil {
		m.offerStop()
		m.offerStop = nil
	}
}

// closeConnection releases the connection and both handles.
func (m *Manager) closeConnection() {
	m.connGen++
	if m.authCancel != nil {
		m.authCancel(nil)
		m.authCancel = nil
	}
	if m.stream != nil {
		_ = m.stream.Close()
		m.stream = nil
	}
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

package pnp

import (
	"errors"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/retry"
	"github.com/ambianic/pnp/internal/signaling"
)

// connectRelay re-dials the current session or starts a new one when it
// was destroyed. A session that is still open after a relay error sends no
// further ready event, so its registration is reported here.
func (m *Manager) connectRelay() {
	if m.session != nil {
		if m.session.Status() == signaling.StatusOpen {
			if id := m.session.ID(); id != "" {
				m.lastID = id
				m.dispatch(appstate.Event{Kind: appstate.EvRelayReady, ID: id})
				return
			}
		}
		err := m.session.Reconnect()
		if err == nil {
			return
		}
		if !errors.Is(err, signaling.ErrDestroyed) {
			m.logger.Warn("relay reconnect failed", "error", err)
		}
		m.dropSession()
	}

	m.sessionGen++
	gen := m.sessionGen
	sess := m.opts.Sessions(m.lastID)
	m.session = sess
	m.logger.Debug("relay session started", "id", m.lastID)
	go m.pumpSession(gen, sess)
}

func (m *Manager) dropSession() {
	m.sessionGen++
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
}

func (m *Manager) pumpSession(gen uint64, sess Session) {
	events := sess.Events()
	for ev := range events {
		ev := ev
		if !m.post(func() { m.onSessionEvent(gen, ev) }) {
			break
		}
	}
	for range events {
	}
}

func (m *Manager) onSessionEvent(gen uint64, ev signaling.Event) {
	if gen != m.sessionGen {
		if ev.Type == signaling.EventConnection && ev.Conn != nil {
			signaling.Release(ev.Conn)
		}
		return
	}
	switch ev.Type {
	case signaling.EventReady:
		m.lastID = ev.ID
		m.dispatch(appstate.Event{Kind: appstate.EvRelayReady, ID: ev.ID})

	case signaling.EventDisconnected:
		m.dispatch(appstate.Event{Kind: appstate.EvRelayDisconnected})

	case signaling.EventClosed:
		m.sessionGen++
		m.session = nil
		m.dispatch(appstate.Event{Kind: appstate.EvRelayClosed})

	case signaling.EventError:
		m.logger.Warn("relay error", "error", ev.Err)
		if errors.Is(ev.Err, signaling.ErrIDTaken) {
			m.lastID = ""
		}
		m.dispatch(appstate.Event{Kind: appstate.EvRelayError, Err: ev.Err})

	case signaling.EventConnection:
		if ev.Conn == nil {
			return
		}
		m.pending = ev.Conn
		m.dispatch(appstate.Event{Kind: appstate.EvIncoming, ID: ev.Conn.Peer()})
		if m.pending != nil {
			signaling.Release(m.pending)
			m.pending = nil
		}
	}
}

// scheduleReconnect arms one delayed relay connect. Requests made while one
// is pending are merged into it.
func (m *Manager) scheduleReconnect() {
	if m.reconnectStop != nil {
		return
	}
	m.reconnectStop = retry.After(m.ctx, m.clk, m.opts.ReconnectDelay, func() {
		m.post(func() {
			m.reconnectStop = nil
			m.dispatch(appstate.Event{Kind: appstate.EvRelayConnect})
		})
	})
}

// requestRelay asks for a relay connect from outside the loop. It is a
// no-op unless the relay is disconnected.
func (m *Manager) requestRelay() {
	m.post(func() {
		m.dispatch(appstate.Event{Kind: appstate.EvRelayConnect})
	})
}

package pnp

import (
	"context"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/discovery"
	"github.com/ambianic/pnp/internal/retry"
)

func (m *Manager) startDiscovery() {
	m.cancelDiscovery()
	ctx, cancel := context.WithCancel(m.ctx)
	m.discoveryCancel = cancel
	go m.discover(ctx)
}

func (m *Manager) cancelDiscovery() {
	if m.discoveryCancel != nil {
		m.discoveryCancel()
		m.discoveryCancel = nil
	}
}

// discover polls until the relay is connected, then queries the room once.
// A failed query ends the round.
func (m *Manager) discover(ctx context.Context) {
	err := retry.Loop(ctx, m.clk, m.opts.DiscoveryPause, func(ctx context.Context) (bool, error) {
		s := m.Snapshot()
		if s.Relay != appstate.RelayConnected {
			m.logger.Debug("discovery waiting for relay", "relay", s.Relay.String())
			m.requestRelay()
			return false, nil
		}
		members, err := m.opts.Room.Members(ctx, s.LocalID)
		if err != nil {
			return false, err
		}
		peers := discovery.Candidates(members, s.LocalID)
		m.logger.Info("discovery finished", "peers", len(peers))
		m.post(func() {
			if ctx.Err() != nil {
				return
			}
			m.dispatch(appstate.Event{Kind: appstate.EvDiscoveryResult, Peers: peers})
		})
		return true, nil
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	m.logger.Warn("discovery failed", "error", err)
	m.post(func() {
		if ctx.Err() != nil {
			return
		}
		m.dispatch(appstate.Event{Kind: appstate.EvDiscoveryFailed, Err: err})
	})
}

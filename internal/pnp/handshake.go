package pnp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/channel"
	"github.com/ambianic/pnp/internal/peerfetch"
	"github.com/ambianic/pnp/internal/retry"
)

// ErrUntrusted means the remote peer answered the auth request but did not
// prove it is a trusted device.
var ErrUntrusted = errors.New("pnp: remote peer is not trusted")

var errAuthTimeout = errors.New("pnp: authentication timed out")

// Authenticate asks the remote peer for its auth document and checks that it
// is a 2xx reply whose text contains marker.
func Authenticate(ctx context.Context, client *peerfetch.Client, marker string) error {
	resp, err := client.Auth(ctx)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: status %d", ErrUntrusted, resp.Header.Status)
	}
	text, err := channel.DecodeText(resp.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	if !strings.Contains(text, marker) {
		return fmt.Errorf("%w: reply does not mention %q", ErrUntrusted, marker)
	}
	return nil
}

// startAuth runs one handshake on the current connection.
func (m *Manager) startAuth() {
	if m.conn == nil || m.client == nil {
		m.dispatch(appstate.Event{Kind: appstate.EvAuthFailed, Err: ErrNotConnected})
		return
	}
	gen := m.connGen
	peer := m.conn.Peer()
	client := m.client

	ctx, cancel := context.WithCancelCause(m.ctx)
	stop := retry.After(ctx, m.clk, m.opts.AuthTimeout, func() { cancel(errAuthTimeout) })
	m.authCancel = cancel

	go func() {
		err := Authenticate(ctx, client, m.opts.TrustMarker)
		stop()
		if err != nil && errors.Is(context.Cause(ctx), errAuthTimeout) {
			err = fmt.Errorf("%w: %v", errAuthTimeout, err)
		}
		cancel(nil)
		m.post(func() {
			if gen != m.connGen {
				return
			}
			m.authCancel = nil
			if err != nil {
				m.logger.Warn("authentication failed", "peer", peer, "error", err)
				m.dispatch(appstate.Event{Kind: appstate.EvAuthFailed, Err: err})
				return
			}
			m.logger.Info("remote peer authenticated", "peer", peer)
			m.dispatch(appstate.Event{Kind: appstate.EvAuthSucceeded, ID: peer})
		})
	}()
}

// Package pnp pairs the client with a remote edge device. The Manager owns
// the relay session, discovery, the single peer connection and its
// authentication, and reports progress as appstate.State snapshots.
package pnp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/channel"
	"github.com/ambianic/pnp/internal/clock"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/peerfetch"
	"github.com/ambianic/pnp/internal/signaling"
	"github.com/ambianic/pnp/internal/storage"
)

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("pnp: manager closed")
	// ErrNotConnected is returned by Client when no authenticated
	// connection exists.
	ErrNotConnected = errors.New("pnp: not connected to a remote device")
	// ErrNoRemotePeer is returned by Connect without a target and without a
	// remembered device.
	ErrNoRemotePeer = errors.New("pnp: no remote peer id")
)

// Defaults for Options.
const (
	DefaultTrustMarker    = "Ambianic"
	DefaultLabel          = "http-proxy"
	DefaultDiscoveryPause = 3 * time.Second
	DefaultConnectPause   = 500 * time.Millisecond
	DefaultOfferTimeout   = 15 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
)

// Session is the relay session the manager drives. *signaling.Session
// satisfies it.
type Session interface {
	ID() string
	Events() <-chan signaling.Event
	Status() signaling.Status
	Reconnect() error
	Connect(remoteID string, opts signaling.ConnectOptions) (signaling.Conn, error)
	Close() error
}

// SessionFactory starts a relay session registering as id, or under a relay
// assigned id when id is empty.
type SessionFactory func(id string) Session

// Signaling returns a factory for real relay sessions.
func Signaling(cfg signaling.Config) SessionFactory {
	return func(id string) Session { return signaling.NewSession(cfg, id) }
}

// Room lists the peers sharing the local peer's rendezvous room.
type Room interface {
	Members(ctx context.Context, localID string) ([]string, error)
}

// RemoteStore remembers the paired device. *storage.Store satisfies it.
type RemoteStore interface {
	RemotePeerID() (string, error)
	SetRemotePeerID(id string) error
	RemoveRemotePeerID() error
}

// Options configure a Manager. Sessions, Room and Store are required.
type Options struct {
	Sessions SessionFactory
	Room     Room
	Store    RemoteStore

	Clock  clock.Clock
	Logger *slog.Logger

	TrustMarker    string
	DiscoveryPause time.Duration
	ConnectPause   time.Duration
	OfferTimeout   time.Duration
	ReconnectDelay time.Duration
	AuthTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.TrustMarker == "" {
		o.TrustMarker = DefaultTrustMarker
	}
	if o.DiscoveryPause <= 0 {
		o.DiscoveryPause = DefaultDiscoveryPause
	}
	if o.ConnectPause <= 0 {
		o.ConnectPause = DefaultConnectPause
	}
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = DefaultOfferTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
}

// Manager runs every state change on one goroutine. Blocking work happens
// elsewhere and posts its result back to that goroutine.
type Manager struct {
	opts   Options
	clk    clock.Clock
	logger *slog.Logger
	store  *appstate.Store

	ctx       context.Context
	cancel    context.CancelFunc
	loop      chan func()
	done      chan struct{}
	closeOnce sync.Once

	subMu  sync.Mutex
	subs   map[int]chan appstate.State
	nextID int

	// Owned by the loop goroutine.
	session         Session
	sessionGen      uint64
	lastID          string
	reconnectStop   func() bool
	discoveryCancel context.CancelFunc
	connectCancel   context.CancelFunc
	conn            signaling.Conn
	connGen         uint64
	pending         signaling.Conn
	stream          *channel.Conn
	client          *peerfetch.Client
	offerStop       func() bool
	offerGen        uint64
	authCancel      context.CancelCauseFunc
}

// New creates a Manager. The remembered remote peer is read from the store
// once; the relay is not contacted until Initialize.
func New(opts Options) (*Manager, error) {
	if opts.Sessions == nil || opts.Room == nil || opts.Store == nil {
		return nil, errors.New("pnp: sessions, room and store are required")
	}
	opts.setDefaults()

	remoteID, err := opts.Store.RemotePeerID()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read remote peer id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   opts,
		clk:    opts.Clock,
		logger: opts.Logger.With("component", "pnp"),
		store:  appstate.NewStore(appstate.State{RemoteID: remoteID}),
		ctx:    ctx,
		cancel: cancel,
		loop:   make(chan func()),
		done:   make(chan struct{}),
		subs:   make(map[int]chan appstate.State),
	}
	m.store.Observe(m.onStateChange)
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.loop:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

// post queues fn on the loop. It must not be called from the loop.
func (m *Manager) post(fn func()) bool {
	select {
	case m.loop <- fn:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.loop <- func() { fn(); close(finished) }:
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// settle waits for the handler running on the loop to finish.
func (m *Manager) settle(ctx context.Context) error {
	return m.call(ctx, func() {})
}

// dispatch applies ev and runs the resulting commands. Loop only.
func (m *Manager) dispatch(ev appstate.Event) appstate.State {
	next, cmds := m.store.Apply(ev)
	for _, c := range cmds {
		m.exec(c)
	}
	return next
}

func (m *Manager) exec(c appstate.Command) {
	m.logger.Debug("command", "kind", c.Kind.String(), "id", c.ID)
	switch c.Kind {
	case appstate.CmdRelayConnect:
		m.connectRelay()
	case appstate.CmdScheduleReconnect:
		m.scheduleReconnect()
	case appstate.CmdStartDiscovery:
		m.startDiscovery()
	case appstate.CmdCancelDiscovery:
		m.cancelDiscovery()
	case appstate.CmdStartConnect:
		m.startConnect(c.ID)
	case appstate.CmdCancelConnect:
		m.cancelConnect()
	case appstate.CmdStartOfferTimer:
		m.startOfferTimer()
	case appstate.CmdCancelOfferTimer:
		m.cancelOfferTimer()
	case appstate.CmdCloseConnection:
		m.closeConnection()
	case appstate.CmdAcceptIncoming:
		m.acceptIncoming()
	case appstate.CmdRejectIncoming:
		m.rejectIncoming()
	case appstate.CmdStartAuth:
		m.startAuth()
	case appstate.CmdPersistRemoteID:
		if err := m.opts.Store.SetRemotePeerID(c.ID); err != nil {
			m.logger.Error("persist remote peer id failed", "peer", c.ID, "error", err)
		}
	case appstate.CmdRemoveRemoteID:
		if err := m.opts.Store.RemoveRemotePeerID(); err != nil {
			m.logger.Error("remove remote peer id failed", "error", err)
		}
	case appstate.CmdFinishDisconnect:
		m.dispatch(appstate.Event{Kind: appstate.EvDisconnected})
	}
}

func (m *Manager) onStateChange(prev, next appstate.State, ev appstate.Event) {
	m.logger.Info("state changed",
		"event", ev.Kind.String(),
		"relay", next.Relay.String(),
		"peer", next.Peer.String(),
		"discovery", next.Discovery.String(),
		"message", next.Message,
	)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		publish(ch, next)
	}
}

// publish delivers s, dropping the oldest queued snapshot when the
// subscriber lags.
func publish(ch chan appstate.State, s appstate.State) {
	for {
		select {
		case ch <- s.Clone():
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Initialize connects to the relay. The local identity is discarded only
// while the relay is disconnected, so the next session registers afresh; a
// connecting or connected session keeps the identity the relay holds for it.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.call(ctx, func() {
		if m.store.Snapshot().Relay == appstate.RelayDisconnected {
			m.lastID = ""
		}
		m.dispatch(appstate.Event{Kind: appstate.EvInitialize})
	})
}

// Discover starts a discovery round unless one is running.
func (m *Manager) Discover(ctx context.Context) error {
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvDiscover})
	})
}

// CancelDiscovery stops a running discovery round.
func (m *Manager) CancelDiscovery(ctx context.Context) error {
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvDiscoveryCancel})
	})
}

// Connect starts connecting to remoteID, or to the remembered device when
// remoteID is empty. It is ignored while an attempt is underway or a
// connection is established.
func (m *Manager) Connect(ctx context.Context, remoteID string) error {
	var err error
	callErr := m.call(ctx, func() {
		if remoteID == "" {
			remoteID = m.store.Snapshot().RemoteID
		}
		if remoteID == "" {
			err = ErrNoRemotePeer
			return
		}
		m.dispatch(appstate.Event{Kind: appstate.EvConnect, ID: remoteID})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// ChangeRemotePeerID disconnects from the current device, replaces the
// remembered id with remoteID and connects to it.
func (m *Manager) ChangeRemotePeerID(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return ErrNoRemotePeer
	}
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvDisconnect})
		m.dispatch(appstate.Event{Kind: appstate.EvRemoveRemoteID})
		m.dispatch(appstate.Event{Kind: appstate.EvSetRemoteID, ID: remoteID})
		m.dispatch(appstate.Event{Kind: appstate.EvConnect, ID: remoteID})
	})
}

// Disconnect closes the peer connection and stops any connect attempt.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvDisconnect})
	})
}

// RemoveRemotePeerID disconnects and forgets the remembered device.
func (m *Manager) RemoveRemotePeerID(ctx context.Context) error {
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvDisconnect})
		m.dispatch(appstate.Event{Kind: appstate.EvRemoveRemoteID})
	})
}

// HandleConnectionError reports a failed attempt with message and tears the
// connection down. Retrying is up to the caller.
func (m *Manager) HandleConnectionError(ctx context.Context, message string) error {
	return m.call(ctx, func() {
		m.dispatch(appstate.Event{Kind: appstate.EvConnFailed, Message: message})
	})
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() appstate.State {
	return m.store.Snapshot()
}

// Subscribe streams state changes until ctx is done or the manager closes.
// A slow reader misses intermediate states, never the latest one.
func (m *Manager) Subscribe(ctx context.Context) <-chan appstate.State {
	ch, unsubscribe := m.subscribe()
	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		unsubscribe()
	}()
	return ch
}

func (m *Manager) subscribe() (<-chan appstate.State, func()) {
	ch := make(chan appstate.State, 64)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

// WaitFor blocks until pred holds for the current state. It returns after
// the side effects of the matching transition have run.
func (m *Manager) WaitFor(ctx context.Context, pred func(appstate.State) bool) (appstate.State, error) {
	ch, unsubscribe := m.subscribe()
	defer unsubscribe()
	if s := m.Snapshot(); pred(s) {
		return s, m.settle(ctx)
	}
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return m.Snapshot(), ErrClosed
			}
			if pred(s) {
				return s, m.settle(ctx)
			}
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// Client returns the request client of the authenticated connection.
func (m *Manager) Client(ctx context.Context) (*peerfetch.Client, error) {
	var client *peerfetch.Client
	if err := m.call(ctx, func() {
		if m.store.Snapshot().Peer == appstate.PeerConnected {
			client = m.client
		}
	}); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrNotConnected
	}
	return client, nil
}

// Close tears down the connection and the relay session. It does not touch
// the remembered device.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.call(context.Background(), func() {
			m.cancelDiscovery()
			m.cancelConnect()
			m.cancelOfferTimer()
			m.closeConnection()
			if m.reconnectStop != nil {
				m.reconnectStop()
				m.reconnectStop = nil
			}
			if m.session != nil {
				m.sessionGen++
				_ = m.session.Close()
				m.session = nil
			}
		})
		m.cancel()
		<-m.done

		m.subMu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		m.subs = nil
		m.subMu.Unlock()
	})
	return nil
}

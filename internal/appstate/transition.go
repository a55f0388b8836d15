package appstate

import "fmt"

// EventKind names an input to the state machine.
type EventKind int

const (
	EvInitialize EventKind = iota
	EvRelayConnect
	EvRelayReady
	EvRelayDisconnected
	EvRelayClosed
	EvRelayError
	EvDiscover
	EvDiscoveryResult
	EvDiscoveryFailed
	EvDiscoveryCancel
	EvConnect
	EvOfferSent
	EvIncoming
	EvConnOpen
	EvConnClose
	EvConnFailed
	EvAuthSucceeded
	EvAuthFailed
	EvDisconnect
	EvDisconnected
	EvSetRemoteID
	EvRemoveRemoteID
)

var eventNames = map[EventKind]string{
	EvInitialize:        "initialize",
	EvRelayConnect:      "relay-connect",
	EvRelayReady:        "relay-ready",
	EvRelayDisconnected: "relay-disconnected",
	EvRelayClosed:       "relay-closed",
	EvRelayError:        "relay-error",
	EvDiscover:          "discover",
	EvDiscoveryResult:   "discovery-result",
	EvDiscoveryFailed:   "discovery-failed",
	EvDiscoveryCancel:   "discovery-cancel",
	EvConnect:           "connect",
	EvOfferSent:         "offer-sent",
	EvIncoming:          "incoming",
	EvConnOpen:          "conn-open",
	EvConnClose:         "conn-close",
	EvConnFailed:        "conn-failed",
	EvAuthSucceeded:     "auth-succeeded",
	EvAuthFailed:        "auth-failed",
	EvDisconnect:        "disconnect",
	EvDisconnected:      "disconnected",
	EvSetRemoteID:       "set-remote-id",
	EvRemoveRemoteID:    "remove-remote-id",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an input to Transition. ID carries a peer id (relay identity,
// connect target, authenticated peer or remote id to remember), Peers a
// discovery result and Message the text reported with a failure.
type Event struct {
	Kind    EventKind
	ID      string
	Peers   []string
	Message string
	Err     error
}

// CommandKind names a side effect requested by a transition.
type CommandKind int

const (
	CmdRelayConnect CommandKind = iota
	CmdScheduleReconnect
	CmdStartDiscovery
	CmdCancelDiscovery
	CmdStartConnect
	CmdCancelConnect
	CmdStartOfferTimer
	CmdCancelOfferTimer
	CmdCloseConnection
	CmdAcceptIncoming
	CmdRejectIncoming
	CmdStartAuth
	CmdPersistRemoteID
	CmdRemoveRemoteID
	CmdFinishDisconnect
)

var commandNames = map[CommandKind]string{
	CmdRelayConnect:      "relay-connect",
	CmdScheduleReconnect: "schedule-reconnect",
	CmdStartDiscovery:    "start-discovery",
	CmdCancelDiscovery:   "cancel-discovery",
	CmdStartConnect:      "start-connect",
	CmdCancelConnect:     "cancel-connect",
	CmdStartOfferTimer:   "start-offer-timer",
	CmdCancelOfferTimer:  "cancel-offer-timer",
	CmdCloseConnection:   "close-connection",
	CmdAcceptIncoming:    "accept-incoming",
	CmdRejectIncoming:    "reject-incoming",
	CmdStartAuth:         "start-auth",
	CmdPersistRemoteID:   "persist-remote-id",
	CmdRemoveRemoteID:    "remove-remote-id",
	CmdFinishDisconnect:  "finish-disconnect",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is a side effect for the caller to run after a transition. ID is
// the peer id for CmdStartConnect and CmdPersistRemoteID.
type Command struct {
	Kind CommandKind
	ID   string
}

func cmd(kind CommandKind) Command { return Command{Kind: kind} }

type handler func(s State, ev Event) (State, []Command)

var table map[EventKind]handler

func init() {
	table = map[EventKind]handler{
		EvInitialize:        onInitialize,
		EvRelayConnect:      onRelayConnect,
		EvRelayReady:        onRelayReady,
		EvRelayDisconnected: onRelayLost,
		EvRelayClosed:       onRelayLost,
		EvRelayError:        onRelayError,
		EvDiscover:          onDiscover,
		EvDiscoveryResult:   onDiscoveryResult,
		EvDiscoveryFailed:   onDiscoveryFailed,
		EvDiscoveryCancel:   onDiscoveryCancel,
		EvConnect:           onConnect,
		EvOfferSent:         onOfferSent,
		EvIncoming:          onIncoming,
		EvConnOpen:          onConnOpen,
		EvConnClose:         onConnClose,
		EvConnFailed:        onConnFailed,
		EvAuthSucceeded:     onAuthSucceeded,
		EvAuthFailed:        onAuthFailed,
		EvDisconnect:        onDisconnect,
		EvDisconnected:      onDisconnected,
		EvSetRemoteID:       onSetRemoteID,
		EvRemoveRemoteID:    onRemoveRemoteID,
	}
}

// Transition returns the state after ev and the side effects to run, in
// order. It never mutates s. Events that do not apply in s return s
// unchanged and no commands.
func Transition(s State, ev Event) (State, []Command) {
	h, ok := table[ev.Kind]
	if !ok {
		return s, nil
	}
	next, cmds := h(s.Clone(), ev)
	return next, cmds
}

// onInitialize forgets the identity of a session that is not connected so
// the next one registers fresh.
func onInitialize(s State, _ Event) (State, []Command) {
	if s.Relay == RelayDisconnected {
		s.LocalID = ""
	}
	return onRelayConnect(s, Event{Kind: EvRelayConnect})
}

// onRelayConnect coalesces reconnects: one dial at a time, none while
// connected.
func onRelayConnect(s State, _ Event) (State, []Command) {
	if s.Relay != RelayDisconnected {
		return s, nil
	}
	s.Relay = RelayConnecting
	s.Message = MsgRelayConnecting
	return s, []Command{cmd(CmdRelayConnect)}
}

func onRelayReady(s State, ev Event) (State, []Command) {
	s.Relay = RelayConnected
	if ev.ID != "" {
		s.LocalID = ev.ID
	}
	s.Message = MsgRelayConnected
	return s, nil
}

func onRelayLost(s State, _ Event) (State, []Command) {
	s.Relay = RelayDisconnected
	s.Message = MsgRelayDisconnected
	return s, []Command{cmd(CmdScheduleReconnect)}
}

// onRelayError also drops the peer connection: negotiations in flight
// cannot complete without the relay.
func onRelayError(s State, _ Event) (State, []Command) {
	s.Relay = RelayDisconnected
	s.Message = MsgRelayError
	var cmds []Command
	if s.Peer.Live() {
		s.Peer = PeerDisconnected
		cmds = append(cmds, cmd(CmdCancelOfferTimer), cmd(CmdCloseConnection))
	}
	return s, append(cmds, cmd(CmdScheduleReconnect))
}

func onDiscover(s State, _ Event) (State, []Command) {
	if s.Discovery == DiscoveryDiscovering {
		return s, nil
	}
	s.Discovery = DiscoveryDiscovering
	s.Discovered = nil
	s.Message = MsgDiscovering
	return s, []Command{cmd(CmdStartDiscovery)}
}

// onDiscoveryResult finishes the round. An empty result is DONE as well;
// the user decides whether to look again.
func onDiscoveryResult(s State, ev Event) (State, []Command) {
	if s.Discovery != DiscoveryDiscovering {
		return s, nil
	}
	s.Discovery = DiscoveryDone
	s.Discovered = append([]string(nil), ev.Peers...)
	if len(ev.Peers) == 0 {
		s.Message = MsgStillLooking
	} else {
		s.Message = MsgFound(len(ev.Peers))
	}
	return s, nil
}

func onDiscoveryFailed(s State, _ Event) (State, []Command) {
	if s.Discovery != DiscoveryDiscovering {
		return s, nil
	}
	s.Discovery = DiscoveryError
	s.Message = MsgDiscoveryError
	return s, nil
}

func onDiscoveryCancel(s State, _ Event) (State, []Command) {
	if s.Discovery != DiscoveryDiscovering {
		return s, nil
	}
	s.Discovery = DiscoveryCancelled
	s.Message = MsgDiscoveryCancelled
	return s, []Command{cmd(CmdCancelDiscovery)}
}

// onConnect ignores a request while an attempt is already underway or
// established. Status stays put until the offer is actually sent.
func onConnect(s State, ev Event) (State, []Command) {
	if s.Peer.Live() || ev.ID == "" {
		return s, nil
	}
	s.Message = MsgConnecting
	return s, []Command{
		cmd(CmdCloseConnection),
		cmd(CmdCancelConnect),
		{Kind: CmdStartConnect, ID: ev.ID},
	}
}

func onOfferSent(s State, _ Event) (State, []Command) {
	if s.Peer.Live() || s.Peer == PeerDisconnecting {
		return s, []Command{cmd(CmdCloseConnection)}
	}
	s.Peer = PeerConnecting
	s.Message = MsgConnecting
	return s, []Command{cmd(CmdStartOfferTimer)}
}

func onIncoming(s State, _ Event) (State, []Command) {
	if s.Peer.Live() || s.Peer == PeerDisconnecting {
		return s, []Command{cmd(CmdRejectIncoming)}
	}
	s.Peer = PeerConnecting
	s.Message = MsgConnecting
	return s, []Command{cmd(CmdCancelConnect), cmd(CmdAcceptIncoming)}
}

func onConnOpen(s State, _ Event) (State, []Command) {
	if s.Peer != PeerConnecting {
		return s, nil
	}
	s.Peer = PeerAuthenticating
	s.Message = MsgAuthenticating
	return s, []Command{cmd(CmdCancelOfferTimer), cmd(CmdStartAuth)}
}

func onConnClose(s State, _ Event) (State, []Command) {
	if !s.Peer.Live() {
		return s, nil
	}
	s.Peer = PeerDisconnected
	s.Message = MsgConnectionClosed
	return s, []Command{cmd(CmdCancelOfferTimer), cmd(CmdCloseConnection)}
}

// onConnFailed is the single funnel for negotiation and authentication
// failures. The attempt ends here; retrying is up to the caller.
func onConnFailed(s State, ev Event) (State, []Command) {
	s.Peer = PeerConnectionError
	s.Message = ev.Message
	if s.Message == "" && ev.Err != nil {
		s.Message = ev.Err.Error()
	}
	return s, []Command{cmd(CmdCancelOfferTimer), cmd(CmdCloseConnection)}
}

func onAuthSucceeded(s State, ev Event) (State, []Command) {
	if s.Peer != PeerAuthenticating {
		return s, nil
	}
	s.Peer = PeerConnected
	s.Message = MsgConnected
	if ev.ID == "" || ev.ID == s.RemoteID {
		return s, nil
	}
	s.RemoteID = ev.ID
	return s, []Command{{Kind: CmdPersistRemoteID, ID: ev.ID}}
}

func onAuthFailed(s State, ev Event) (State, []Command) {
	if s.Peer != PeerAuthenticating {
		return s, nil
	}
	return onConnFailed(s, Event{Kind: EvConnFailed, Message: MsgAuthFailed, Err: ev.Err})
}

func onDisconnect(s State, _ Event) (State, []Command) {
	if s.Peer == PeerDisconnected || s.Peer == PeerDisconnecting {
		return s, []Command{cmd(CmdCancelConnect)}
	}
	s.Peer = PeerDisconnecting
	s.Message = MsgDisconnecting
	return s, []Command{
		cmd(CmdCancelConnect),
		cmd(CmdCancelOfferTimer),
		cmd(CmdCloseConnection),
		cmd(CmdFinishDisconnect),
	}
}

func onDisconnected(s State, _ Event) (State, []Command) {
	if s.Peer != PeerDisconnecting {
		return s, nil
	}
	s.Peer = PeerDisconnected
	s.Message = MsgDisconnected
	return s, nil
}

func onSetRemoteID(s State, ev Event) (State, []Command) {
	if ev.ID == "" {
		return s, nil
	}
	s.RemoteID = ev.ID
	return s, []Command{{Kind: CmdPersistRemoteID, ID: ev.ID}}
}

func onRemoveRemoteID(s State, _ Event) (State, []Command) {
	s.RemoteID = ""
	return s, []Command{cmd(CmdRemoveRemoteID)}
}

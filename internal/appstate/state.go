// Package appstate is the connection state machine: the client's view of
// the relay session, the peer connection and discovery, changed only by
// Transition.
package appstate

import "fmt"

// RelayStatus is the state of the session with the signaling relay.
type RelayStatus int

const (
	RelayDisconnected RelayStatus = iota
	RelayConnecting
	RelayConnected
)

func (s RelayStatus) String() string {
	switch s {
	case RelayDisconnected:
		return "DISCONNECTED"
	case RelayConnecting:
		return "CONNECTING"
	case RelayConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("RelayStatus(%d)", int(s))
	}
}

// PeerStatus is the state of the single tracked peer connection.
type PeerStatus int

const (
	PeerDisconnected PeerStatus = iota
	PeerConnecting
	PeerAuthenticating
	PeerConnected
	PeerDisconnecting
	PeerConnectionError
)

func (s PeerStatus) String() string {
	switch s {
	case PeerDisconnected:
		return "DISCONNECTED"
	case PeerConnecting:
		return "CONNECTING"
	case PeerAuthenticating:
		return "AUTHENTICATING"
	case PeerConnected:
		return "CONNECTED"
	case PeerDisconnecting:
		return "DISCONNECTING"
	case PeerConnectionError:
		return "CONNECTION_ERROR"
	default:
		return fmt.Sprintf("PeerStatus(%d)", int(s))
	}
}

// Live reports whether a connection object exists in this status.
func (s PeerStatus) Live() bool {
	return s == PeerConnecting || s == PeerAuthenticating || s == PeerConnected
}

// DiscoveryStatus is the state of the latest discovery round.
type DiscoveryStatus int

const (
	DiscoveryOff DiscoveryStatus = iota
	DiscoveryDiscovering
	DiscoveryDone
	DiscoveryCancelled
	DiscoveryError
)

func (s DiscoveryStatus) String() string {
	switch s {
	case DiscoveryOff:
		return "OFF"
	case DiscoveryDiscovering:
		return "DISCOVERING"
	case DiscoveryDone:
		return "DONE"
	case DiscoveryCancelled:
		return "CANCELLED"
	case DiscoveryError:
		return "ERROR"
	default:
		return fmt.Sprintf("DiscoveryStatus(%d)", int(s))
	}
}

// State is a snapshot of everything the client knows about its pairing.
type State struct {
	Relay      RelayStatus
	Peer       PeerStatus
	Discovery  DiscoveryStatus
	Discovered []string
	Message    string
	// LocalID is the identity the relay registered for this client.
	LocalID string
	// RemoteID is the remembered remote device, mirrored from storage.
	RemoteID string
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	if s.Discovered != nil {
		s.Discovered = append([]string(nil), s.Discovered...)
	}
	return s
}

// User-facing messages.
const (
	MsgRelayConnecting    = "Connecting to the signaling relay..."
	MsgRelayConnected     = "Connected to the signaling relay."
	MsgRelayDisconnected  = "Disconnected from the signaling relay. Reconnecting..."
	MsgRelayError         = "Signaling relay error. Reconnecting..."
	MsgDiscovering        = "Looking for devices on your local network..."
	MsgDiscoveryCancelled = "Discovery cancelled."
	MsgStillLooking       = "Still looking. Please make sure the device is on the same local network as this client."
	MsgDiscoveryError     = "Something went wrong while looking for devices. Please try again."
	MsgConnecting         = "Connecting to remote device..."
	MsgAuthenticating     = "Authenticating remote device..."
	MsgConnected          = "Connected to remote device."
	MsgConnectionClosed   = "Connection to remote device closed."
	MsgDisconnecting      = "Disconnecting from remote device..."
	MsgDisconnected       = "Disconnected from remote device."
	MsgOfferTimeout       = "Remote device did not answer. Is the remote device online?"
	MsgAuthFailed         = "Remote peer authentication failed"
)

// MsgFound reports a completed discovery round.
func MsgFound(n int) string {
	if n == 1 {
		return "Found 1 device."
	}
	return fmt.Sprintf("Found %d devices.", n)
}

package protocol

// Open is sent by the relay once a peer id has been registered.
type Open struct {
	PeerID string `json:"peer_id"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Offer opens a direct connection. ConnectionID names the connection on
// both sides for the rest of the negotiation.
type Offer struct {
	ConnectionID  string `json:"connection_id"`
	Label         string `json:"label"`
	Reliable      bool   `json:"reliable"`
	Serialization string `json:"serialization"`
	SDP           string `json:"sdp"`
}

// Answer completes the SDP exchange for ConnectionID.
type Answer struct {
	ConnectionID string `json:"connection_id"`
	SDP          string `json:"sdp"`
}

// Candidate is a trickled ICE candidate for ConnectionID.
type Candidate struct {
	ConnectionID     string  `json:"connection_id"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

// Leave tells the remote side a connection was closed.
type Leave struct {
	ConnectionID string `json:"connection_id,omitempty"`
}

// Expire is returned by the relay when an addressed peer is not registered.
type Expire struct {
	PeerID       string `json:"peer_id"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// RoomMembers is the relay's answer to a room membership query.
type RoomMembers struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

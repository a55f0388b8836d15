package protocol

// Message type constants for relay envelopes.
const (
	TypeOpen      = "open"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeLeave     = "leave"
	TypeExpire    = "expire"
)

// Error codes carried by TypeError envelopes.
const (
	CodeIDTaken         = "id-taken"
	CodeInvalidMessage  = "invalid-message"
	CodePeerUnavailable = "peer-unavailable"
	CodeRateLimited     = "rate-limited"
)

// Serialization modes for a data connection.
const (
	SerializationRaw  = "raw"
	SerializationJSON = "json"
)

// RequiresTarget reports whether msgType is routed peer to peer and must
// carry a To field.
func RequiresTarget(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	default:
		return false
	}
}

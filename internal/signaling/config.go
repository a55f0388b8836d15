package signaling

import (
	"log/slog"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/wsclient"
)

// Config locates the relay and configures direct connections.
type Config struct {
	Host   string
	Port   int
	Secure bool
	Path   string

	// ICEServers defaults to DefaultICEServers when nil. An empty non-nil
	// slice gathers host candidates only.
	ICEServers []webrtc.ICEServer
	// MDNS gathers and resolves .local host candidates.
	MDNS bool
	// Loopback includes 127.0.0.1 candidates, for same-host peers and tests.
	Loopback bool
	// Debug is the pion log verbosity, 0 through 3.
	Debug int

	WS     wsclient.Options
	Logger *slog.Logger
}

// DefaultICEServers is the public STUN server used when none is configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

func (c Config) url(peerID string) string {
	return wsclient.RelayURL(c.Host, c.Port, c.Secure, c.Path, peerID)
}

// newAPI builds the pion API shared by every connection of a session.
func (c Config) newAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.DetachDataChannels()
	se.SetIncludeLoopbackCandidate(c.Loopback)
	if c.MDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	se.LoggerFactory = logging.NewPionFactory(logger, logging.PionLevelForVerbosity(c.Debug))
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c Config) iceServers() []webrtc.ICEServer {
	if c.ICEServers == nil {
		return DefaultICEServers
	}
	return c.ICEServers
}

// Package cli holds what the pnp subcommands share: turning parsed
// configuration into component configs and common flag checks.
package cli

import (
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/ambianic/pnp/internal/clienthttp"
	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/discovery"
	"github.com/ambianic/pnp/internal/signaling"
)

// Signaling builds the relay session config. Each configured ICE URL becomes
// its own server; none configured keeps the default STUN server.
func Signaling(cfg config.ClientConfig, logger *slog.Logger) signaling.Config {
	var servers []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return signaling.Config{
		Host:       cfg.RelayHost,
		Port:       cfg.RelayPort,
		Secure:     cfg.RelaySecure,
		Path:       cfg.RelayPath,
		ICEServers: servers,
		MDNS:       cfg.MDNS,
		Loopback:   cfg.Loopback,
		Debug:      cfg.Debug,
		Logger:     logger,
	}
}

// Room returns the discovery client for the configured relay.
func Room(cfg config.ClientConfig) *discovery.Room {
	base := clienthttp.BaseURL(cfg.RelayHost, cfg.RelayPort, cfg.RelaySecure)
	return discovery.NewRoom(base, &http.Client{Timeout: clienthttp.DefaultTimeout})
}

// HasHelpFlag reports whether args ask for usage.
func HasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "help" {
			return true
		}
	}
	return false
}

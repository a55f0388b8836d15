package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun"
)

// Environment variable prefix shared by every binary.
const envPrefix = "PNP_"

// ServerConfig holds configuration for the relay binary.
type ServerConfig struct {
	Addr            string
	LogLevel        string
	MaxMessageBytes int
	// Rates of 0 and an IdleTimeout of 0 disable the limit.
	ConnectsPerMin int
	ConnectsBurst  int
	MsgsPerSec     int
	MsgsBurst      int
	IdleTimeout    time.Duration
}

// ClientConfig holds configuration for the pnp client and device responder.
type ClientConfig struct {
	RelayHost   string
	RelayPort   int
	RelaySecure bool
	RelayPath   string

	ICEServers []string
	MDNS       bool
	Loopback   bool
	Debug      int

	LogLevel    string
	DataDir     string
	Namespace   string
	TrustMarker string

	DiscoveryPause time.Duration
	ConnectPause   time.Duration
	OfferTimeout   time.Duration
	ReconnectDelay time.Duration
	AuthTimeout    time.Duration

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":9779",
		LogLevel:        "info",
		MaxMessageBytes: 64 * 1024,
		ConnectsPerMin:  30,
		ConnectsBurst:   10,
		MsgsPerSec:      50,
		MsgsBurst:       100,
		IdleTimeout:     2 * time.Minute,
	}

	// Read from environment first
	envString("ADDR", &cfg.Addr)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envInt("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	envInt("CONNECTS_PER_MIN", &cfg.ConnectsPerMin)
	envInt("CONNECTS_BURST", &cfg.ConnectsBurst)
	envInt("MSGS_PER_SEC", &cfg.MsgsPerSec)
	envInt("MSGS_BURST", &cfg.MsgsBurst)
	envDuration("IDLE_TIMEOUT", &cfg.IdleTimeout)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "websocket connects per minute per address (0 disables)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "websocket connect burst per address")
	fs.IntVar(&cfg.MsgsPerSec, "msgs-per-sec", cfg.MsgsPerSec, "messages per second per websocket (0 disables)")
	fs.IntVar(&cfg.MsgsBurst, "msgs-burst", cfg.MsgsBurst, "message burst per websocket")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout (0 disables)")
	fs.Parse(args)

	return cfg
}

// DefaultClientConfig returns the client defaults before env and flags.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RelayHost:      "localhost",
		RelayPort:      9779,
		RelayPath:      "/ws",
		MDNS:           true,
		LogLevel:       "info",
		DataDir:        defaultDataDir(),
		Namespace:      "ambianic-pnp",
		TrustMarker:    "Ambianic",
		DiscoveryPause: 3 * time.Second,
		ConnectPause:   500 * time.Millisecond,
		OfferTimeout:   15 * time.Second,
		ReconnectDelay: 3 * time.Second,
		AuthTimeout:    10 * time.Second,
	}
}

// ParseClientConfig parses client configuration for a subcommand from
// flags and environment variables. Flags take precedence over environment.
func ParseClientConfig(name string, args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return parseClientConfigWithFlagSet(fs, args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	envString("RELAY_HOST", &cfg.RelayHost)
	envInt("RELAY_PORT", &cfg.RelayPort)
	envBool("RELAY_SECURE", &cfg.RelaySecure)
	envString("RELAY_PATH", &cfg.RelayPath)
	if v := os.Getenv(envPrefix + "ICE_SERVERS"); v != "" {
		cfg.ICEServers = splitList(v)
	}
	envBool("MDNS", &cfg.MDNS)
	envBool("LOOPBACK", &cfg.Loopback)
	envInt("DEBUG", &cfg.Debug)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("DATA_DIR", &cfg.DataDir)
	envString("NAMESPACE", &cfg.Namespace)
	envString("TRUST_MARKER", &cfg.TrustMarker)
	envDuration("DISCOVERY_PAUSE", &cfg.DiscoveryPause)
	envDuration("CONNECT_PAUSE", &cfg.ConnectPause)
	envDuration("OFFER_TIMEOUT", &cfg.OfferTimeout)
	envDuration("RECONNECT_DELAY", &cfg.ReconnectDelay)
	envDuration("AUTH_TIMEOUT", &cfg.AuthTimeout)

	fs.StringVar(&cfg.RelayHost, "relay-host", cfg.RelayHost, "signaling relay host")
	fs.IntVar(&cfg.RelayPort, "relay-port", cfg.RelayPort, "signaling relay port")
	fs.BoolVar(&cfg.RelaySecure, "relay-secure", cfg.RelaySecure, "use TLS to reach the relay")
	fs.StringVar(&cfg.RelayPath, "relay-path", cfg.RelayPath, "relay websocket path")
	iceServers := make([]string, 0)
	fs.Var((*stringSlice)(&iceServers), "ice-server", "STUN/TURN server URL (repeatable, comma-separated)")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "gather and resolve mDNS host candidates")
	fs.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "include loopback ICE candidates")
	fs.IntVar(&cfg.Debug, "debug", cfg.Debug, "WebRTC log verbosity (0-3)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for persisted pairing state")
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "storage key namespace")
	fs.StringVar(&cfg.TrustMarker, "trust-marker", cfg.TrustMarker, "text an authentic device includes in its auth reply")
	fs.DurationVar(&cfg.DiscoveryPause, "discovery-pause", cfg.DiscoveryPause, "pause between discovery attempts")
	fs.DurationVar(&cfg.ConnectPause, "connect-pause", cfg.ConnectPause, "pause between connect attempts while the relay is down")
	fs.DurationVar(&cfg.OfferTimeout, "offer-timeout", cfg.OfferTimeout, "time allowed for the remote peer to answer")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay before re-dialing a lost relay")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "time allowed for the auth round trip")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	if len(iceServers) > 0 {
		cfg.ICEServers = splitList(strings.Join(iceServers, ","))
	}
	cfg.Args = fs.Args()

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate checks ranges and that every ICE server URL parses.
func (c ClientConfig) Validate() error {
	if c.RelayHost == "" {
		return errors.New("relay host is required")
	}
	if c.RelayPort <= 0 || c.RelayPort > 65535 {
		return fmt.Errorf("relay port %d out of range", c.RelayPort)
	}
	if c.Debug < 0 || c.Debug > 3 {
		return fmt.Errorf("debug verbosity %d out of range 0-3", c.Debug)
	}
	if c.TrustMarker == "" {
		return errors.New("trust marker is required")
	}
	for _, raw := range c.ICEServers {
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("ice server %q: %w", raw, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"discovery pause": c.DiscoveryPause,
		"connect pause":   c.ConnectPause,
		"offer timeout":   c.OfferTimeout,
		"reconnect delay": c.ReconnectDelay,
		"auth timeout":    c.AuthTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "ambianic-pnp"
	}
	return ".ambianic-pnp"
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)

// Package device is the edge side of pairing: it registers with the relay
// under a fixed id, accepts data connections and answers requests on them.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ambianic/pnp/internal/channel"
	"github.com/ambianic/pnp/internal/clock"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/peerfetch"
	"github.com/ambianic/pnp/internal/retry"
	"github.com/ambianic/pnp/internal/signaling"
)

// DefaultReconnectDelay spaces relay reconnects.
const DefaultReconnectDelay = 3 * time.Second

// Info is the auth document a device returns.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Config configures a Responder.
type Config struct {
	Signaling signaling.Config
	// PeerID is the id registered with the relay. Empty lets the relay
	// assign one.
	PeerID string
	// Name is reported by the auth endpoint and must carry the trust
	// marker clients look for.
	Name           string
	Version        string
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Responder serves every connection offered to its peer id.
type Responder struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
	ready   chan string

	mu sync.Mutex
	id string
}

// NewResponder creates a Responder. Run starts it.
func NewResponder(cfg Config) *Responder {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Signaling.Logger == nil {
		cfg.Signaling.Logger = cfg.Logger
	}
	r := &Responder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "device"),
		ready:  make(chan string, 1),
		id:     cfg.PeerID,
	}
	r.handler = Handler(func() Info {
		return Info{ID: r.ID(), Name: cfg.Name, Version: cfg.Version}
	})
	return r
}

// ID returns the id the relay registered, or the configured one before
// registration.
func (r *Responder) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Ready delivers the registered id each time the relay accepts it.
func (r *Responder) Ready() <-chan string { return r.ready }

// Handler serves the auth and status endpoints from info.
func Handler(info func() Info) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+peerfetch.AuthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	return mux
}

// Run keeps the relay session alive until ctx is cancelled. A relay that
// hands the id to someone else ends Run with signaling.ErrIDTaken.
func (r *Responder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	sess := signaling.NewSession(r.cfg.Signaling, r.cfg.PeerID)
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	var (
		fatal       error
		cancelRetry func() bool
	)
	for ev := range sess.Events() {
		switch ev.Type {
		case signaling.EventReady:
			r.mu.Lock()
			r.id = ev.ID
			r.mu.Unlock()
			r.logger.Info("registered with relay", "id", ev.ID)
			select {
			case r.ready <- ev.ID:
			default:
			}

		case signaling.EventDisconnected, signaling.EventError:
			if errors.Is(ev.Err, signaling.ErrIDTaken) {
				fatal = ev.Err
				continue
			}
			r.logger.Warn("relay lost, reconnecting", "error", ev.Err, "delay", r.cfg.ReconnectDelay)
			if cancelRetry != nil {
				cancelRetry()
			}
			cancelRetry = retry.After(ctx, r.cfg.Clock, r.cfg.ReconnectDelay, func() {
				if err := sess.Reconnect(); err != nil {
					r.logger.Debug("reconnect skipped", "error", err)
				}
			})

		case signaling.EventConnection:
			conn := ev.Conn
			g.Go(func() error {
				r.serve(ctx, conn)
				return nil
			})
		}
	}
	if cancelRetry != nil {
		cancelRetry()
	}
	err := g.Wait()
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// serve answers requests on conn once it opens.
func (r *Responder) serve(ctx context.Context, conn signaling.Conn) {
	defer signaling.Release(conn)
	logger := r.logger.With("peer", conn.Peer(), "label", conn.Label())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case signaling.ConnOpen:
				rwc, err := conn.Stream()
				if err != nil {
					logger.Warn("stream unavailable", "error", err)
					return
				}
				logger.Info("serving connection")
				stream := channel.New(rwc, r.ID(), conn.Peer())
				if err := peerfetch.Serve(ctx, stream, r.handler); err != nil && !errors.Is(err, context.Canceled) {
					logger.Debug("connection finished", "error", err)
				}
				return
			case signaling.ConnError:
				logger.Warn("connection failed", "error", ev.Err)
			case signaling.ConnClose:
				return
			}
		}
	}
}

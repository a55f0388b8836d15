// Package relay is a small signaling relay: it registers peers over
// websockets, forwards addressed messages between them and answers room
// membership queries for discovery.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/peers"
	"github.com/ambianic/pnp/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the relay's HTTP and websocket front end.
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	hub     *peers.Hub
	limiter *ipLimiter
	mux     *http.ServeMux
}

// NewServer builds a relay with its own peer hub.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     peers.NewHub(),
		limiter: newIPLimiter(cfg.ConnectsPerMin, cfg.ConnectsBurst),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/room/members", s.handleRoomMembers)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub exposes the registry, mainly for tests.
func (s *Server) Hub() *peers.Hub { return s.hub }

// ListenAndServe serves on cfg.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("relay listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RoomID derives the discovery room for a client address. Peers behind the
// same public address share a room.
func RoomID(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "peers": s.hub.Count()})
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	room := RoomID(clientIP(r))
	if peerID := r.URL.Query().Get("peer_id"); peerID != "" {
		if registered, ok := s.hub.RoomOf(peerID); ok {
			room = registered
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.RoomMembers{RoomID: room, Members: s.hub.Members(room)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	}

	var writeMu sync.Mutex
	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}

	peer := peers.Peer{PeerID: peerID, RoomID: RoomID(ip), ConnID: uuid.NewString()}
	removePeer, err := s.hub.Add(peer, sendFunc)
	if errors.Is(err, peers.ErrIDTaken) {
		s.logger.Info("peer id taken", "peer_id", peerID)
		s.reply(sendFunc, peerID, protocol.TypeError, protocol.Error{Code: protocol.CodeIDTaken, Message: "ID " + peerID + " is taken"})
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "id taken"), time.Now().Add(time.Second))
		writeMu.Unlock()
		return
	}
	defer removePeer()

	if s.cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	s.logger.Info("peer connected", "peer_id", peerID, "room", peer.RoomID, "conn_id", peer.ConnID)
	defer s.logger.Info("peer disconnected", "peer_id", peerID)

	if !s.hub.SendTo(peerID, s.envelope(protocol.TypeOpen, peerID, protocol.Open{PeerID: peerID})) {
		return
	}

	msgLimiter := rate.NewLimiter(rate.Inf, 0)
	if s.cfg.MsgsPerSec > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(s.cfg.MsgsPerSec), max(s.cfg.MsgsBurst, 1))
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "peer_id", peerID)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !msgLimiter.Allow() {
			s.logger.Warn("websocket message rate limit exceeded", "peer_id", peerID)
			s.hub.SendTo(peerID, s.envelope(protocol.TypeError, peerID, protocol.Error{Code: protocol.CodeRateLimited, Message: "message rate exceeded"}))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err, "peer_id", peerID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err, "peer_id", peerID)
			s.hub.SendTo(peerID, s.envelope(protocol.TypeError, peerID, protocol.Error{Code: protocol.CodeInvalidMessage, Message: err.Error()}))
			continue
		}
		s.route(peerID, env)
	}
}

// route forwards an addressed message, answering expire when the target is
// not registered.
func (s *Server) route(from string, env protocol.Envelope) {
	if env.Type == protocol.TypeHeartbeat {
		return
	}
	if !protocol.RequiresTarget(env.Type) {
		s.logger.Debug("dropping unroutable message", "type", env.Type, "peer_id", from)
		return
	}
	env.From = from
	if s.hub.SendTo(env.To, env) {
		return
	}

	var ref struct {
		ConnectionID string `json:"connection_id"`
	}
	_ = json.Unmarshal(env.Payload, &ref)
	s.logger.Debug("target peer not registered", "from", from, "to", env.To, "type", env.Type)
	s.hub.SendTo(from, s.envelope(protocol.TypeExpire, from, protocol.Expire{PeerID: env.To, ConnectionID: ref.ConnectionID}))
}

func (s *Server) envelope(msgType, to string, payload any) protocol.Envelope {
	env, err := protocol.NewAddressed(msgType, to, payload)
	if err != nil {
		s.logger.Error("failed to create envelope", "type", msgType, "error", err)
	}
	return env
}

// reply writes directly to a connection that is not registered in the hub.
func (s *Server) reply(send func(protocol.Envelope) error, to, msgType string, payload any) {
	if err := send(s.envelope(msgType, to, payload)); err != nil {
		s.logger.Debug("reply failed", "peer_id", to, "error", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

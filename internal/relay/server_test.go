package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/pkg/protocol"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Addr:            "127.0.0.1:0",
		LogLevel:        "error",
		MaxMessageBytes: 64 * 1024,
		IdleTimeout:     time.Minute,
	}
}

func startRelay(t *testing.T, cfg config.ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	relay := NewServer(cfg, nil)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(srv.Close)
	return relay, srv
}

func dial(t *testing.T, srv *httptest.Server, peerID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if peerID != "" {
		u += "?peer_id=" + peerID
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", peerID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectOpen(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeOpen {
		t.Fatalf("first message = %s, want open", env.Type)
	}
	var open protocol.Open
	if err := env.DecodePayload(&open); err != nil {
		t.Fatalf("decode open: %v", err)
	}
	return open.PeerID
}

func TestHealth(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestOpen_AssignsID(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	id := expectOpen(t, dial(t, srv, ""))
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("assigned id %q is not a uuid: %v", id, err)
	}
}

func TestOpen_KeepsRequestedID(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	if id := expectOpen(t, dial(t, srv, "client-1")); id != "client-1" {
		t.Errorf("open id = %s, want client-1", id)
	}
}

func TestIDTaken(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	expectOpen(t, dial(t, srv, "dup"))
	second := dial(t, srv, "dup")

	env := readEnvelope(t, second)
	if env.Type != protocol.TypeError {
		t.Fatalf("type = %s, want error", env.Type)
	}
	var perr protocol.Error
	env.DecodePayload(&perr)
	if perr.Code != protocol.CodeIDTaken {
		t.Errorf("code = %s, want %s", perr.Code, protocol.CodeIDTaken)
	}
}

func TestRouteOffer(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	a := dial(t, srv, "a")
	expectOpen(t, a)
	b := dial(t, srv, "b")
	expectOpen(t, b)

	offer, _ := protocol.NewAddressed(protocol.TypeOffer, "b", protocol.Offer{ConnectionID: "c1", Label: "http-proxy", SDP: "v=0"})
	offer.From = "spoofed"
	if err := a.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	got := readEnvelope(t, b)
	if got.Type != protocol.TypeOffer {
		t.Fatalf("type = %s, want offer", got.Type)
	}
	if got.From != "a" {
		t.Errorf("From = %s, want a (relay must stamp sender)", got.From)
	}
	var o protocol.Offer
	got.DecodePayload(&o)
	if o.ConnectionID != "c1" || o.Label != "http-proxy" {
		t.Errorf("offer = %+v", o)
	}
}

func TestExpireForUnknownTarget(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	a := dial(t, srv, "a")
	expectOpen(t, a)

	offer, _ := protocol.NewAddressed(protocol.TypeOffer, "ghost", protocol.Offer{ConnectionID: "c9"})
	a.WriteJSON(offer)

	env := readEnvelope(t, a)
	if env.Type != protocol.TypeExpire {
		t.Fatalf("type = %s, want expire", env.Type)
	}
	var exp protocol.Expire
	env.DecodePayload(&exp)
	if exp.PeerID != "ghost" || exp.ConnectionID != "c9" {
		t.Errorf("expire = %+v", exp)
	}
}

func TestInvalidEnvelope(t *testing.T) {
	_, srv := startRelay(t, testConfig())

	a := dial(t, srv, "a")
	expectOpen(t, a)

	a.WriteJSON(protocol.Envelope{V: 1, Type: protocol.TypeOffer, MsgID: "m"})
	env := readEnvelope(t, a)
	var perr protocol.Error
	env.DecodePayload(&perr)
	if env.Type != protocol.TypeError || perr.Code != protocol.CodeInvalidMessage {
		t.Errorf("got %s %+v, want invalid-message error", env.Type, perr)
	}
}

func TestRoomMembers(t *testing.T) {
	relay, srv := startRelay(t, testConfig())

	expectOpen(t, dial(t, srv, "a"))
	expectOpen(t, dial(t, srv, "b"))

	resp, err := http.Get(srv.URL + "/room/members?peer_id=a")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var members protocol.RoomMembers
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if members.RoomID != RoomID("127.0.0.1") {
		t.Errorf("RoomID = %s, want room of loopback", members.RoomID)
	}
	if len(members.Members) != 2 || members.Members[0] != "a" || members.Members[1] != "b" {
		t.Errorf("Members = %v, want [a b]", members.Members)
	}
	if relay.Hub().Count() != 2 {
		t.Errorf("hub count = %d", relay.Hub().Count())
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	relay, srv := startRelay(t, testConfig())

	a := dial(t, srv, "a")
	expectOpen(t, a)
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for relay.Hub().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("peer still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectsPerMin = 1
	cfg.ConnectsBurst = 1
	_, srv := startRelay(t, cfg)

	expectOpen(t, dial(t, srv, "a"))

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?peer_id=b"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("second connect should be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp = %v, want 429", resp)
	}
}

func TestRoomID(t *testing.T) {
	if RoomID("10.0.0.1") == RoomID("10.0.0.2") {
		t.Error("different addresses should map to different rooms")
	}
	if len(RoomID("10.0.0.1")) != 16 {
		t.Errorf("room id length = %d, want 16", len(RoomID("10.0.0.1")))
	}
}

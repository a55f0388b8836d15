package device

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/discovery"
	"github.com/ambianic/pnp/internal/pnp"
	"github.com/ambianic/pnp/internal/relay"
	"github.com/ambianic/pnp/internal/signaling"
	"github.com/ambianic/pnp/internal/storage"
)

func TestHandler_Auth(t *testing.T) {
	h := Handler(func() Info { return Info{ID: "edge-1", Name: "Ambianic Edge"} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "Ambianic") || !strings.Contains(string(body), `"id":"edge-1"`) {
		t.Errorf("body = %s", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func startRelay(t *testing.T) (signaling.Config, string) {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(config.ServerConfig{MaxMessageBytes: 64 * 1024}, nil).Handler())
	t.Cleanup(srv.Close)

	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	port, _ := strconv.Atoi(portStr)
	return signaling.Config{
		Host:       host,
		Port:       port,
		Path:       "/ws",
		ICEServers: []webrtc.ICEServer{},
		Loopback:   true,
	}, srv.URL
}

func startDevice(t *testing.T, cfg signaling.Config, id string) *Responder {
	t.Helper()
	r := NewResponder(Config{Signaling: cfg, PeerID: id, Name: "Ambianic Edge"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case got := <-r.Ready():
		if got != id {
			t.Fatalf("registered as %q, want %q", got, id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("device never registered")
	}
	return r
}

func TestRun_IDTaken(t *testing.T) {
	cfg, _ := startRelay(t)
	startDevice(t, cfg, "edge-1")

	dup := NewResponder(Config{Signaling: cfg, PeerID: "edge-1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dup.Run(ctx); !errors.Is(err, signaling.ErrIDTaken) {
		t.Errorf("Run() error = %v, want ErrIDTaken", err)
	}
}

func TestPairing_EndToEnd(t *testing.T) {
	cfg, baseURL := startRelay(t)
	startDevice(t, cfg, "edge-1")

	store, err := storage.OpenMemory(storage.DefaultNamespace)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer store.Close()

	mgr, err := pnp.New(pnp.Options{
		Sessions: pnp.Signaling(cfg),
		Room:     discovery.NewRoom(baseURL, &http.Client{Timeout: 5 * time.Second}),
		Store:    store,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Discover(ctx); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	st, err := mgr.WaitFor(ctx, func(s appstate.State) bool { return s.Discovery == appstate.DiscoveryDone })
	if err != nil {
		t.Fatalf("discovery: %v (%+v)", err, st)
	}
	if len(st.Discovered) != 1 || st.Discovered[0] != "edge-1" {
		t.Fatalf("Discovered = %v, want [edge-1]", st.Discovered)
	}

	if err := mgr.Connect(ctx, st.Discovered[0]); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	st, err = mgr.WaitFor(ctx, func(s appstate.State) bool {
		return s.Peer == appstate.PeerConnected || s.Peer == appstate.PeerConnectionError
	})
	if err != nil || st.Peer != appstate.PeerConnected {
		t.Fatalf("connect: %v (%s %q)", err, st.Peer, st.Message)
	}
	if id, err := store.RemotePeerID(); err != nil || id != "edge-1" {
		t.Errorf("persisted id = %q, %v", id, err)
	}

	client, err := mgr.Client(ctx)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	resp, err := client.Get(ctx, "/api/status")
	if err != nil || !resp.OK() {
		t.Fatalf("Get(/api/status) = %+v, %v", resp.Header, err)
	}
}

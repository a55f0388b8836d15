package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/pkg/protocol"
)

func TestRelayURL(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		port   int
		secure bool
		path   string
		id     string
		want   string
	}{
		{"plain with id", "relay.local", 9779, false, "", "abc", "ws://relay.local:9779/ws?peer_id=abc"},
		{"secure no id", "relay.example", 443, true, "/signal", "", "wss://relay.example:443/signal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelayURL(tt.host, tt.port, tt.secure, tt.path, tt.id); got != tt.want {
				t.Errorf("RelayURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// echoServer upgrades and echoes every text frame back, prefixed by a heartbeat.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hb, _ := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.NewMsgID(), nil)
		if err := conn.WriteJSON(hb); err != nil {
			return
		}
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func TestDialSendRead(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(ctx, wsURL, Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	env, _ := protocol.NewAddressed(protocol.TypeLeave, "peer2", protocol.Leave{ConnectionID: "c1"})
	if err := c.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan protocol.Envelope, 1)
	readCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.ReadLoop(readCtx, func(e protocol.Envelope) {
			got <- e
		})
	}()

	select {
	case e := <-got:
		if e.Type != protocol.TypeLeave || e.To != "peer2" {
			t.Fatalf("echoed envelope = %+v, heartbeat should be filtered", e)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echo")
	}

	stop()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ReadLoop() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadLoop did not return after cancel")
	}
}

func TestSendAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL, Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c.Close()

	env, _ := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.NewMsgID(), nil)
	if err := c.Send(env); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestDialUpgradeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "id taken", http.StatusConflict)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := Dial(context.Background(), wsURL, Options{}, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("Dial() = %v, want upgrade failure with status", err)
	}
}

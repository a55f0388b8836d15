package peerfetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ambianic/pnp/internal/channel"
)

func serveOnPipe(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	clientSide, deviceSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, deviceSide, handler)
	}()
	client := NewClient(clientSide, "device")
	return client, func() {
		client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	}
}

func TestAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(AuthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Ambianic Edge device"))
	})
	client, cleanup := serveOnPipe(t, mux)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Auth(ctx)
	if err != nil {
		t.Fatalf("Auth() error = %v", err)
	}
	if !resp.OK() {
		t.Errorf("status = %d, want 2xx", resp.Header.Status)
	}
	if resp.Header.Fields["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q", resp.Header.Fields["Content-Type"])
	}
	if string(resp.Content) != "Ambianic Edge device" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestGet_SequentialRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("first")) })
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("second")) })
	client, cleanup := serveOnPipe(t, mux)
	defer cleanup()

	ctx := context.Background()
	for path, want := range map[string]string{"/a": "first", "b": "second"} {
		resp, err := client.Get(ctx, path)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
		if string(resp.Content) != want {
			t.Errorf("Get(%s) = %q, want %q", path, resp.Content, want)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	client, cleanup := serveOnPipe(t, http.NewServeMux())
	defer cleanup()

	resp, err := client.Get(context.Background(), "/missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.OK() || resp.Header.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Header.Status)
	}
}

func TestAuth_Timeout(t *testing.T) {
	clientSide, deviceSide := net.Pipe()
	defer deviceSide.Close()
	client := NewClient(clientSide, "")
	defer client.Close()

	// drain the request but never answer
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := deviceSide.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Auth(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Auth() = %v, want deadline exceeded", err)
	}
}

func TestClosedClient(t *testing.T) {
	clientSide, deviceSide := net.Pipe()
	defer deviceSide.Close()
	client := NewClient(clientSide, "")
	client.Close()

	if _, err := client.Auth(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Auth() = %v, want ErrClosed", err)
	}
}

func TestServe_OverDataChannelStream(t *testing.T) {
	clientPipe, devicePipe := net.Pipe()
	clientSide := channel.New(clientPipe, "client", "device")
	deviceSide := channel.New(devicePipe, "device", "client")

	mux := http.NewServeMux()
	mux.HandleFunc(AuthPath, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("Ambianic Edge")) })
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, deviceSide, mux)
	}()
	client := NewClient(clientSide, "device")
	defer func() {
		client.Close()
		cancel()
		<-done
	}()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	resp, err := client.Auth(reqCtx)
	if err != nil || string(resp.Content) != "Ambianic Edge" {
		t.Fatalf("Auth() = %q, %v", resp.Content, err)
	}
	// the server interrupts its background read after each response; the
	// stream must survive that
	for i := 0; i < 2; i++ {
		resp, err = client.Get(reqCtx, "/api/status")
		if err != nil {
			t.Fatalf("Get #%d error = %v", i+1, err)
		}
		if string(resp.Content) != "ok" {
			t.Errorf("Get #%d = %q, want ok", i+1, resp.Content)
		}
	}
}

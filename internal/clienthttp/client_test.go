package clienthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ambianic/pnp/pkg/protocol"
)

func TestRoomMembers_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/room/members" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("peer_id") != "me" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.RoomMembers{RoomID: "r1", Members: []string{"me", "device"}})
	}))
	defer server.Close()

	got, err := RoomMembers(context.Background(), nil, server.URL, "me")
	if err != nil {
		t.Fatalf("RoomMembers() error = %v", err)
	}
	if got.RoomID != "r1" {
		t.Errorf("RoomID = %s, want r1", got.RoomID)
	}
	if len(got.Members) != 2 || got.Members[1] != "device" {
		t.Errorf("Members = %v", got.Members)
	}
}

func TestRoomMembers_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	got, err := RoomMembers(context.Background(), nil, server.URL, "me")
	if err != nil {
		t.Fatalf("RoomMembers() error = %v", err)
	}
	if len(got.Members) != 0 {
		t.Errorf("Members = %v, want none", got.Members)
	}
}

func TestRoomMembers_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"peer_id required"}`))
	}))
	defer server.Close()

	_, err := RoomMembers(context.Background(), nil, server.URL, "")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v, should mention status", err)
	}
}

func TestRoomMembers_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	if _, err := RoomMembers(context.Background(), nil, server.URL, "me"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRoomMembers_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := RoomMembers(ctx, nil, server.URL, "me"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestBaseURL(t *testing.T) {
	if got := BaseURL("relay", 80, false); got != "http://relay:80" {
		t.Errorf("BaseURL() = %s", got)
	}
	if got := BaseURL("relay", 443, true); got != "https://relay:443" {
		t.Errorf("BaseURL() = %s", got)
	}
}

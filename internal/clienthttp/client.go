package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ambianic/pnp/pkg/protocol"
)

// DefaultTimeout bounds every relay HTTP request.
const DefaultTimeout = 5 * time.Second

// BaseURL returns the relay's HTTP origin for host and port.
func BaseURL(host string, port int, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// RoomMembers calls GET /room/members on the relay and returns the peers that
// share peerID's room. Rooms are keyed by the caller's public address, so the
// relay decides membership; peerID only lets it tell the caller apart.
func RoomMembers(ctx context.Context, client *http.Client, serverURL, peerID string) (protocol.RoomMembers, error) {
	if !strings.HasPrefix(serverURL, "http") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + "/room/members")
	if err != nil {
		return protocol.RoomMembers{}, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()

	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return protocol.RoomMembers{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return protocol.RoomMembers{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return protocol.RoomMembers{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.RoomMembers{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var members protocol.RoomMembers
	if len(body) == 0 {
		return members, nil
	}
	if err := json.Unmarshal(body, &members); err != nil {
		return protocol.RoomMembers{}, fmt.Errorf("parse response: %w", err)
	}
	return members, nil
}

// Package discovery finds remote peers that share the local peer's
// rendezvous room on the relay.
package discovery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ambianic/pnp/internal/clienthttp"
)

// Room queries room membership on a relay.
type Room struct {
	baseURL string
	client  *http.Client
}

// NewRoom returns a Room for the relay at baseURL. A nil client gets a
// client with clienthttp.DefaultTimeout.
func NewRoom(baseURL string, client *http.Client) *Room {
	if client == nil {
		client = &http.Client{Timeout: clienthttp.DefaultTimeout}
	}
	return &Room{baseURL: baseURL, client: client}
}

// Members returns the peer ids sharing localID's room, including localID
// itself when the relay lists it.
func (r *Room) Members(ctx context.Context, localID string) ([]string, error) {
	resp, err := clienthttp.RoomMembers(ctx, r.client, r.baseURL, localID)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	return resp.Members, nil
}

// Candidates filters members down to remote peers: self, blanks and repeats
// are dropped, order is kept.
func Candidates(members []string, self string) []string {
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, id := range members {
		if id == "" || id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

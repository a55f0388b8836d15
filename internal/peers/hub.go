package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ambianic/pnp/pkg/protocol"
)

// ErrIDTaken is returned by Add when the peer id is already registered.
var ErrIDTaken = errors.New("peer id is taken")

// Peer is a registered relay client.
type Peer struct {
	PeerID string
	RoomID string
	ConnID string // unique per websocket connection
}

type peerConnection struct {
	peer Peer
	seq  uint64
	send chan protocol.Envelope
	done chan struct{}
}

// Hub tracks registered peers and the room each one belongs to. Peer ids are
// unique across the hub so messages route by id alone; rooms only scope
// discovery.
type Hub struct {
	mu    sync.RWMutex
	byID  map[string]*peerConnection
	rooms map[string]map[string]*peerConnection // roomID -> peerID -> conn
	seq   uint64
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		byID:  make(map[string]*peerConnection),
		rooms: make(map[string]map[string]*peerConnection),
	}
}

// Add registers p and starts a writer goroutine that feeds send. The
// returned remove function unregisters p and waits briefly for the writer.
func (h *Hub) Add(p Peer, send func(env protocol.Envelope) error) (remove func(), err error) {
	pc := &peerConnection{
		peer: p,
		send: make(chan protocol.Envelope, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if _, taken := h.byID[p.PeerID]; taken {
		h.mu.Unlock()
		return nil, ErrIDTaken
	}
	h.seq++
	pc.seq = h.seq
	h.byID[p.PeerID] = pc
	if h.rooms[p.RoomID] == nil {
		h.rooms[p.RoomID] = make(map[string]*peerConnection)
	}
	h.rooms[p.RoomID][p.PeerID] = pc
	h.mu.Unlock()

	go func() {
		defer close(pc.done)
		for env := range pc.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.byID[p.PeerID] == pc {
				delete(h.byID, p.PeerID)
			}
			if room := h.rooms[p.RoomID]; room != nil && room[p.PeerID] == pc {
				delete(room, p.PeerID)
				if len(room) == 0 {
					delete(h.rooms, p.RoomID)
				}
			}
			h.mu.Unlock()

			close(pc.send)
			select {
			case <-pc.done:
			case <-time.After(1 * time.Second):
			}
		})
	}, nil
}

// Members returns the peer ids in roomID in the order they registered.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[roomID]
	conns := make([]*peerConnection, 0, len(room))
	for _, pc := range room {
		conns = append(conns, pc)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })

	ids := make([]string, 0, len(conns))
	for _, pc := range conns {
		ids = append(ids, pc.peer.PeerID)
	}
	return ids
}

// RoomOf returns the room peerID registered in.
func (h *Hub) RoomOf(peerID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.byID[peerID]
	if !ok {
		return "", false
	}
	return pc.peer.RoomID, true
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// SendTo queues env for peerID. It returns false when the peer is not
// registered. A full queue drops env but still reports true.
func (h *Hub) SendTo(peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pc, ok := h.byID[peerID]
	if !ok {
		return false
	}
	select {
	case pc.send <- env:
	default:
	}
	return true
}

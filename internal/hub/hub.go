// Package hub fans Skype notifications out to watchers. It is
// transport-agnostic: peers register with a prefix filter, receive matching
// notifications through Send, and the relay publishes every notification
// the session delivers.
package hub

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.klb.dev/skypebridge/internal/message"
)

// PeerInfo describes a registered watcher.
type PeerInfo struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Addr        string    `json:"addr"`
	Kind        string    `json:"kind"` // "grpc", "websocket", ...
	Prefixes    []string  `json:"prefixes,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	Dropped     int64     `json:"dropped,omitempty"`
}

// Peer is anything that can receive notifications from the hub.
type Peer interface {
	ID() string
	Info() PeerInfo
	// Send delivers a notification to the peer. Must be non-blocking.
	Send(message.Notification)
}

// Hub routes notifications to all registered peers.
type Hub struct {
	mu        sync.RWMutex
	peers     map[string]Peer
	latest    message.Notification
	hasLatest bool
	published int64
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{peers: make(map[string]Peer)}
}

// Register adds a peer. A peer registered twice under the same ID replaces
// the first.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	total := len(h.peers)
	h.mu.Unlock()

	info := p.Info()
	slog.Info("watcher registered",
		"peer", p.ID(),
		"source", info.Source,
		"kind", info.Kind,
		"prefixes", info.Prefixes,
		"total", total,
	)
}

// Unregister removes a peer from the hub.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID())
	total := len(h.peers)
	h.mu.Unlock()

	info := p.Info()
	slog.Info("watcher unregistered",
		"peer", p.ID(),
		"source", info.Source,
		"dropped", info.Dropped,
		"total", total,
	)
}

// Publish stores n as the latest notification and delivers it to every peer
// whose prefixes match.
func (h *Hub) Publish(n message.Notification) {
	h.mu.Lock()
	h.latest = n
	h.hasLatest = true
	h.published++
	targets := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if n.HasPrefix(p.Info().Prefixes) {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		p.Send(n)
	}
}

// Latest returns the most recently published notification.
func (h *Hub) Latest() (message.Notification, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasLatest
}

// Published returns the number of notifications published so far.
func (h *Hub) Published() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published
}

// Peers returns a snapshot of all peers, oldest first.
func (h *Hub) Peers() []PeerInfo {
	h.mu.RLock()
	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.Info())
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

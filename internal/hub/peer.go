package hub

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/skypebridge/internal/message"
)

// ChanPeer is a transient Peer backed by a buffered channel, used by stream
// handlers (gRPC Watch, WebSocket). When the buffer is full notifications are
// dropped and counted.
type ChanPeer struct {
	info     PeerInfo
	ch       chan message.Notification
	lastSeen atomic.Int64
	dropped  atomic.Int64
}

// NewChanPeer returns a peer with a fresh ID buffering up to size
// notifications. info.ID and info.ConnectedAt are filled in.
func NewChanPeer(info PeerInfo, size int) *ChanPeer {
	info.ID = info.Kind + "/" + uuid.NewString()
	info.ConnectedAt = time.Now()
	return &ChanPeer{info: info, ch: make(chan message.Notification, size)}
}

func (p *ChanPeer) ID() string { return p.info.ID }

func (p *ChanPeer) Info() PeerInfo {
	info := p.info
	if ls := p.lastSeen.Load(); ls > 0 {
		info.LastSeen = time.Unix(0, ls)
	}
	info.Dropped = p.dropped.Load()
	return info
}

func (p *ChanPeer) Send(n message.Notification) {
	select {
	case p.ch <- n:
		p.lastSeen.Store(time.Now().UnixNano())
	default:
		p.dropped.Add(1)
		slog.Warn("watcher channel full, dropping", "peer", p.info.ID)
	}
}

// C returns the receive side of the buffer.
func (p *ChanPeer) C() <-chan message.Notification { return p.ch }

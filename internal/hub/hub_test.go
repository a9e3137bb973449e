package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/message"
)

func note(text string) message.Notification {
	return message.Notification{ID: text, Text: text, Source: message.SourceCallback, Transport: "memory"}
}

func drain(p *ChanPeer) []string {
	var out []string
	for {
		select {
		case n := <-p.C():
			out = append(out, n.Text)
		default:
			return out
		}
	}
}

func TestPublishFiltersByPrefix(t *testing.T) {
	h := New()
	all := NewChanPeer(PeerInfo{Kind: "grpc"}, 8)
	chats := NewChanPeer(PeerInfo{Kind: "websocket", Prefixes: []string{"CHATMESSAGE ", "CHAT "}}, 8)
	h.Register(all)
	h.Register(chats)

	h.Publish(note("USER echo123 ONLINESTATUS ONLINE"))
	h.Publish(note("CHATMESSAGE 12 STATUS RECEIVED"))
	h.Publish(note("CHAT #me/$echo123;1 STATUS OPEN"))

	assert.Equal(t, []string{
		"USER echo123 ONLINESTATUS ONLINE",
		"CHATMESSAGE 12 STATUS RECEIVED",
		"CHAT #me/$echo123;1 STATUS OPEN",
	}, drain(all))
	assert.Equal(t, []string{
		"CHATMESSAGE 12 STATUS RECEIVED",
		"CHAT #me/$echo123;1 STATUS OPEN",
	}, drain(chats))
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := New()
	p := NewChanPeer(PeerInfo{Kind: "grpc"}, 8)
	h.Register(p)
	h.Unregister(p)

	h.Publish(note("PONG"))
	assert.Empty(t, drain(p))
	assert.Empty(t, h.Peers())
}

func TestFullPeerDrops(t *testing.T) {
	h := New()
	p := NewChanPeer(PeerInfo{Kind: "grpc"}, 1)
	h.Register(p)

	h.Publish(note("one"))
	h.Publish(note("two"))

	assert.Equal(t, []string{"one"}, drain(p))
	assert.Equal(t, int64(1), p.Info().Dropped)
	assert.False(t, p.Info().LastSeen.IsZero())
}

func TestLatest(t *testing.T) {
	h := New()
	_, ok := h.Latest()
	assert.False(t, ok)

	h.Publish(note("one"))
	h.Publish(note("two"))

	n, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, "two", n.Text)
	assert.Equal(t, int64(2), h.Published())
}

func TestPeersOldestFirst(t *testing.T) {
	h := New()
	first := NewChanPeer(PeerInfo{Kind: "grpc", Source: "first"}, 1)
	time.Sleep(time.Millisecond)
	second := NewChanPeer(PeerInfo{Kind: "websocket", Source: "second"}, 1)
	h.Register(second)
	h.Register(first)

	peers := h.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "first", peers[0].Source)
	assert.Equal(t, "second", peers[1].Source)
	assert.Contains(t, peers[1].ID, "websocket/")
}

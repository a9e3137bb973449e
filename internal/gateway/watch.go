package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/rpc"
)

const (
	watchBuffer = 64
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// watch streams notifications as JSON text frames. Browsers cannot set an
// Authorization header on a WebSocket, so ?token= is accepted instead.
func (g *Gateway) watch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	if tok := q.Get("token"); tok != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	ctx, err := g.annotate(r, "Watch")
	if err == nil {
		err = g.svc.Authorize(ctx)
	}
	if err != nil {
		g.reply(r.Context(), w, r, nil, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	var prefixes []string
	for _, p := range q["prefix"] {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	source := r.Header.Get(rpc.SourceHeader)
	if source == "" {
		source = r.RemoteAddr
	}
	wp := hub.NewChanPeer(hub.PeerInfo{
		Source:   source,
		Addr:     r.RemoteAddr,
		Kind:     "websocket",
		Prefixes: prefixes,
	}, watchBuffer)
	g.h.Register(wp)
	defer g.h.Unregister(wp)

	// Clients never send data frames; reading only notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case n := <-wp.C():
			data, err := n.Encode()
			if err != nil {
				slog.Error("websocket: encode notification", "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("websocket: write failed", "peer", wp.ID(), "err", err)
				return
			}
		}
	}
}

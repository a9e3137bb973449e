package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/relay"
	"go.klb.dev/skypebridge/internal/rpc"
	"go.klb.dev/skypebridge/internal/transport/memory"
)

func skype(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "PROTOCOL "):
		return "PROTOCOL 8"
	case strings.HasPrefix(cmd, "#"):
		id, rest, _ := strings.Cut(cmd, " ")
		return id + " " + strings.TrimPrefix(rest, "GET ") + " Echo"
	}
	return ""
}

type fixture struct {
	tr  *memory.Transport
	r   *relay.Relay
	srv *httptest.Server
}

func setup(t *testing.T, token string) *fixture {
	t.Helper()
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("skype"))
	tr.SetReplier(skype)

	h := hub.New()
	r := relay.New(h, tr, relay.Config{DiscoverInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Snapshot().Protocol > 0 }, 2*time.Second, 5*time.Millisecond)

	g, err := New(rpc.New(r, token), h)
	require.NoError(t, err)
	srv := httptest.NewServer(g.Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = r.Close()
	})
	return &fixture{tr: tr, r: r, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatusRoute(t *testing.T) {
	f := setup(t, "")
	code, out := f.do(t, http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ATTACHED", out["status"])
	assert.Equal(t, "memory", out["transport"])
	assert.Equal(t, float64(8), out["protocol"])
}

func TestRoutesRequireToken(t *testing.T) {
	f := setup(t, "s3cret")

	code, _ := f.do(t, http.MethodGet, "/v1/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/v1/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/v1/status", "s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestSendRoute(t *testing.T) {
	f := setup(t, "")
	code, _ := f.do(t, http.MethodPost, "/v1/send", "", "SET USERSTATUS AWAY\n")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, f.tr.Sent(), "SET USERSTATUS AWAY")

	code, _ = f.do(t, http.MethodPost, "/v1/send", "", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecuteRoute(t *testing.T) {
	f := setup(t, "")
	body := `{"command":"GET USER echo123 FULLNAME","response":"USER echo123 FULLNAME","with_id":true,"timeout_ms":1000}`
	code, out := f.do(t, http.MethodPost, "/v1/execute", "", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "USER echo123 FULLNAME Echo", out["response"])

	code, _ = f.do(t, http.MethodPost, "/v1/execute", "", `{"command":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConnectRoute(t *testing.T) {
	f := setup(t, "")
	before := f.tr.Lookups()
	code, out := f.do(t, http.MethodPost, "/v1/connect?force=true", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "skype", out["peer"])
	assert.Greater(t, f.tr.Lookups(), before)

	code, _ = f.do(t, http.MethodPost, "/v1/connect?force=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWatchStreamsNotifications(t *testing.T) {
	f := setup(t, "s3cret")
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/watch?prefix=CHATMESSAGE+&token=s3cret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return len(f.r.Hub().Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "websocket", f.r.Hub().Peers()[0].Kind)

	f.tr.Notify("USER echo123 ONLINESTATUS ONLINE")
	f.tr.Notify("CHATMESSAGE 12 STATUS RECEIVED")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var n message.Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, "CHATMESSAGE 12 STATUS RECEIVED", n.Text)
	assert.Equal(t, message.SourceCallback, n.Source)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(f.r.Hub().Peers()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatchRejectsBadToken(t *testing.T) {
	f := setup(t, "s3cret")
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/watch?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

package dbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/session"
)

// fakeObject answers calls from a table; unset methods panic via the
// embedded nil interface.
type fakeObject struct {
	dbus.BusObject
	answers map[string][]any
	calls   *[]string
}

func (o fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	*o.calls = append(*o.calls, method)
	body, ok := o.answers[method]
	if !ok {
		return &dbus.Call{Err: errors.New("no such method " + method)}
	}
	if method == skypeInterface+".Invoke" {
		body = []any{"re: " + args[0].(string)}
	}
	return &dbus.Call{Body: body}
}

type fakeConn struct {
	answers  map[string][]any
	calls    []string
	exported map[dbus.ObjectPath]any
	closed   bool
}

func newFakeConn(answers map[string][]any) *fakeConn {
	return &fakeConn{answers: answers, exported: map[dbus.ObjectPath]any{}}
}

func (c *fakeConn) BusObject() dbus.BusObject {
	return fakeObject{answers: c.answers, calls: &c.calls}
}

func (c *fakeConn) Object(string, dbus.ObjectPath) dbus.BusObject {
	return fakeObject{answers: c.answers, calls: &c.calls}
}

func (c *fakeConn) Export(v any, path dbus.ObjectPath, _ string) error {
	if v == nil {
		delete(c.exported, path)
		return nil
	}
	c.exported[path] = v
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestLookupUsesNameHasOwner(t *testing.T) {
	conn := newFakeConn(map[string][]any{"org.freedesktop.DBus.NameHasOwner": {true}})
	tr, err := New(conn)
	require.NoError(t, err)

	peer, err := tr.Lookup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BusName("com.Skype.API"), peer)
}

func TestLookupNotFound(t *testing.T) {
	conn := newFakeConn(map[string][]any{"org.freedesktop.DBus.NameHasOwner": {false}})
	tr, err := New(conn)
	require.NoError(t, err)

	_, err = tr.Lookup(context.Background())
	assert.ErrorIs(t, err, session.ErrPeerNotFound)
}

func TestSearchListsNames(t *testing.T) {
	conn := newFakeConn(map[string][]any{
		"org.freedesktop.DBus.ListNames": {[]string{":1.4", "org.freedesktop.Notifications", "com.skype.api"}},
	})
	tr, err := New(conn)
	require.NoError(t, err)

	peer, err := tr.Search(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "com.skype.api", peer.String())
}

func TestMatchSkypeName(t *testing.T) {
	tests := []struct {
		names []string
		want  string
		ok    bool
	}{
		{[]string{"com.Skype.API"}, "com.Skype.API", true},
		{[]string{"org.x", "com.Skype.API.Instance2"}, "com.Skype.API.Instance2", true},
		{[]string{"com.Skype.APIX"}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := matchSkypeName(tt.names)
		assert.Equal(t, tt.ok, ok, "%v", tt.names)
		assert.Equal(t, tt.want, got)
	}
}

func TestTransmitReturnsInvokeReply(t *testing.T) {
	conn := newFakeConn(map[string][]any{skypeInterface + ".Invoke": nil})
	tr, err := New(conn)
	require.NoError(t, err)

	reply, err := tr.Transmit(context.Background(), BusName(skypeName),
		fragment.Chunk{Marker: fragment.Begin, Data: []byte("PROTOCOL 8")})
	require.NoError(t, err)
	assert.Equal(t, "re: PROTOCOL 8", reply)
	assert.Equal(t, []string{"com.Skype.API.Invoke"}, conn.calls)
}

func TestNotifyBecomesEvent(t *testing.T) {
	conn := newFakeConn(nil)
	tr, err := New(conn)
	require.NoError(t, err)

	obj, ok := conn.exported[clientPath].(notifier)
	require.True(t, ok)
	assert.Nil(t, obj.Notify("USER echo123 ONLINESTATUS ONLINE"))

	select {
	case ev := <-tr.Events():
		assert.Equal(t, fragment.Begin, ev.Chunk.Marker)
		assert.Equal(t, "USER echo123 ONLINESTATUS ONLINE", string(ev.Chunk.Data))
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, tr.Close())
	assert.True(t, conn.closed)
	assert.NotContains(t, conn.exported, clientPath)

	_, open := <-tr.Events()
	assert.False(t, open)
	assert.Nil(t, obj.Notify("late"))
}

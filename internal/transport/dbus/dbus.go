// Package dbus talks to Skype over the session bus. Commands are sent with the
// com.Skype.API.Invoke method, which returns the reply synchronously;
// notifications arrive as calls to the Notify method of an object we export
// at /com/Skype/Client.
package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/session"
)

const (
	skypeName      = "com.Skype.API"
	skypePath      = dbus.ObjectPath("/com/Skype")
	skypeInterface = "com.Skype.API"
	clientPath     = dbus.ObjectPath("/com/Skype/Client")
	clientIface    = "com.Skype.API.Client"
)

// BusName is the peer handle: the bus name owning the Skype API object.
type BusName string

func (b BusName) String() string { return string(b) }

// Conn is the part of *dbus.Conn the transport uses.
type Conn interface {
	BusObject() dbus.BusObject
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Export(v any, path dbus.ObjectPath, iface string) error
	Close() error
}

// Transport is a session bus connection with the notification object
// exported.
type Transport struct {
	conn Conn
	q    *session.Queue
	once sync.Once
}

// Open connects to the session bus and exports the notification object.
func Open() (*Transport, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("dbus: connect session bus: %w", err)
	}
	t, err := New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// New wraps an established connection.
func New(conn Conn) (*Transport, error) {
	t := &Transport{conn: conn, q: session.NewQueue(256)}
	if err := conn.Export(notifier{t}, clientPath, clientIface); err != nil {
		return nil, fmt.Errorf("dbus: export %s: %w", clientPath, err)
	}
	return t, nil
}

// notifier is the exported object. Its method set is what Skype calls.
type notifier struct{ t *Transport }

// Notify receives one notification from Skype.
func (n notifier) Notify(text string) *dbus.Error {
	if !n.t.q.Push(session.Event{Chunk: fragment.Chunk{Marker: fragment.Begin, Data: []byte(text)}}) {
		slog.Debug("dbus: notification after close dropped", "text", text)
	}
	return nil
}

func (t *Transport) Name() string  { return "dbus" }
func (t *Transport) MaxChunk() int { return 0 }

// Lookup asks the bus whether com.Skype.API has an owner.
func (t *Transport) Lookup(ctx context.Context) (session.PeerHandle, error) {
	var has bool
	err := t.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, skypeName).Store(&has)
	if err != nil {
		return nil, fmt.Errorf("dbus: NameHasOwner: %w", err)
	}
	if !has {
		return nil, session.ErrPeerNotFound
	}
	return BusName(skypeName), nil
}

// Search lists every bus name and accepts the Skype API name regardless of
// case, or an instance-qualified variant of it.
func (t *Transport) Search(ctx context.Context) (session.PeerHandle, error) {
	var names []string
	if err := t.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("dbus: ListNames: %w", err)
	}
	if name, ok := matchSkypeName(names); ok {
		return BusName(name), nil
	}
	return nil, session.ErrPeerNotFound
}

func matchSkypeName(names []string) (string, bool) {
	prefix := strings.ToLower(skypeName) + "."
	for _, n := range names {
		l := strings.ToLower(n)
		if l == strings.ToLower(skypeName) || strings.HasPrefix(l, prefix) {
			return n, true
		}
	}
	return "", false
}

// Transmit calls Invoke with the whole command and returns Skype's reply.
func (t *Transport) Transmit(ctx context.Context, peer session.PeerHandle, c fragment.Chunk) (string, error) {
	name, ok := peer.(BusName)
	if !ok {
		return "", fmt.Errorf("dbus: foreign peer handle %T", peer)
	}
	var reply string
	err := t.conn.Object(string(name), skypePath).
		CallWithContext(ctx, skypeInterface+".Invoke", 0, string(c.Data)).
		Store(&reply)
	if err != nil {
		return "", fmt.Errorf("dbus: Invoke: %w", err)
	}
	return reply, nil
}

func (t *Transport) Events() <-chan session.Event { return t.q.Events() }

// Close unexports the notification object and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		if uerr := t.conn.Export(nil, clientPath, clientIface); uerr != nil {
			slog.Debug("dbus: unexport failed", "err", uerr)
		}
		t.q.Close()
		err = t.conn.Close()
	})
	return err
}

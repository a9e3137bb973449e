// Package x11 talks to Skype through the legacy X11 desktop API: commands and
// notifications travel as format-8 ClientMessage events whose 20-byte payload
// carries one fragment of the text.
package x11

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/session"
)

const (
	atomInstance     = "_SKYPE_INSTANCE"
	atomMessageBegin = "SKYPECONTROLAPI_MESSAGE_BEGIN"
	atomMessage      = "SKYPECONTROLAPI_MESSAGE"
	atomStop         = "_STOP_EVENT_LOOP"

	skypeWindowName = "skype"
	closeTimeout    = 2 * time.Second
)

// Window is the peer handle: the Skype API window.
type Window xproto.Window

func (w Window) String() string { return fmt.Sprintf("0x%x", uint32(w)) }

// Transport is an open X11 display connection with a hidden window that
// receives Skype's ClientMessage events.
type Transport struct {
	conn  *xgb.Conn
	root  xproto.Window
	self  xproto.Window
	begin xproto.Atom
	msg   xproto.Atom
	stop  xproto.Atom
	inst  xproto.Atom
	q     *session.Queue
	done  chan struct{}
	once  sync.Once
}

// Open connects to display ("" = $DISPLAY), creates the hidden window and
// starts reading events.
func Open(display string) (*Transport, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("x11: open display %q: %w", display, err)
	}
	t, err := setup(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go t.readLoop()
	return t, nil
}

func setup(conn *xgb.Conn) (*Transport, error) {
	screen := xproto.Setup(conn).DefaultScreen(conn)
	t := &Transport{
		conn: conn,
		root: screen.Root,
		q:    session.NewQueue(256),
		done: make(chan struct{}),
	}

	for name, dst := range map[string]*xproto.Atom{
		atomInstance:     &t.inst,
		atomMessageBegin: &t.begin,
		atomMessage:      &t.msg,
		atomStop:         &t.stop,
	} {
		reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			return nil, fmt.Errorf("x11: intern %s: %w", name, err)
		}
		*dst = reply.Atom
	}

	wid, err := xproto.NewWindowId(conn)
	if err != nil {
		return nil, fmt.Errorf("x11: allocate window id: %w", err)
	}
	err = xproto.CreateWindowChecked(conn, screen.RootDepth, wid, screen.Root,
		0, 0, 1, 1, 0,
		xproto.WindowClassInputOutput, screen.RootVisual, 0, nil).Check()
	if err != nil {
		return nil, fmt.Errorf("x11: create window: %w", err)
	}
	t.self = wid
	return t, nil
}

func (t *Transport) Name() string  { return "x11" }
func (t *Transport) MaxChunk() int { return fragment.X11ChunkSize }

// Lookup reads the Skype window id from the _SKYPE_INSTANCE property of the
// root window.
func (t *Transport) Lookup(context.Context) (session.PeerHandle, error) {
	reply, err := xproto.GetProperty(t.conn, false, t.root, t.inst, xproto.AtomWindow, 0, 1).Reply()
	if err != nil {
		return nil, fmt.Errorf("x11: read %s: %w", atomInstance, err)
	}
	if reply.Format != 32 || reply.ValueLen != 1 || len(reply.Value) < 4 {
		return nil, session.ErrPeerNotFound
	}
	w := xgb.Get32(reply.Value)
	if w == 0 {
		return nil, session.ErrPeerNotFound
	}
	return Window(w), nil
}

// Search walks the window tree from the root for a window named "skype" whose
// first child carries no properties; that child is the API window.
func (t *Transport) Search(ctx context.Context) (session.PeerHandle, error) {
	w, err := t.search(ctx, t.root)
	if err != nil {
		return nil, err
	}
	if w == xproto.WindowNone {
		return nil, session.ErrPeerNotFound
	}
	return Window(w), nil
}

func (t *Transport) search(ctx context.Context, w xproto.Window) (xproto.Window, error) {
	if err := ctx.Err(); err != nil {
		return xproto.WindowNone, err
	}

	tree, err := xproto.QueryTree(t.conn, w).Reply()
	if err != nil {
		// Windows vanish while we walk; skip them.
		return xproto.WindowNone, nil
	}

	name, err := xproto.GetProperty(t.conn, false, w, xproto.AtomWmName, xproto.AtomString, 0, 1024).Reply()
	if err == nil && isSkypeName(name.Value) && len(tree.Children) > 0 {
		child := tree.Children[0]
		props, err := xproto.ListProperties(t.conn, child).Reply()
		if err == nil && props.AtomsLen == 0 {
			return child, nil
		}
	}

	for _, child := range tree.Children {
		found, err := t.search(ctx, child)
		if err != nil || found != xproto.WindowNone {
			return found, err
		}
	}
	return xproto.WindowNone, nil
}

// Transmit sends one chunk as a ClientMessage to the Skype window. The first
// chunk of a command uses the BEGIN atom.
func (t *Transport) Transmit(_ context.Context, peer session.PeerHandle, c fragment.Chunk) (string, error) {
	w, ok := peer.(Window)
	if !ok {
		return "", fmt.Errorf("x11: foreign peer handle %T", peer)
	}
	typ := t.msg
	if c.Marker == fragment.Begin {
		typ = t.begin
	}
	if err := t.sendClientMessage(xproto.Window(w), typ, c.Data); err != nil {
		return "", fmt.Errorf("x11: send event: %w", err)
	}
	return "", nil
}

func (t *Transport) sendClientMessage(dst xproto.Window, typ xproto.Atom, data []byte) error {
	ev := xproto.ClientMessageEvent{
		Format: 8,
		Window: t.self,
		Type:   typ,
		Data:   xproto.ClientMessageDataUnionData8New(pad(data)),
	}
	return xproto.SendEventChecked(t.conn, false, dst, xproto.EventMaskNoEvent, string(ev.Bytes())).Check()
}

func (t *Transport) Events() <-chan session.Event { return t.q.Events() }

// Close stops the reader with a _STOP_EVENT_LOOP message to our own window,
// then closes the display.
func (t *Transport) Close() error {
	t.once.Do(func() {
		if err := t.sendClientMessage(t.self, t.stop, nil); err != nil {
			slog.Debug("x11: stop event not sent", "err", err)
		}
		select {
		case <-t.done:
		case <-time.After(closeTimeout):
			slog.Warn("x11: event reader did not stop, closing display")
		}
		t.conn.Close()
		t.q.Close()
	})
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.done)
	defer t.q.Close()
	for {
		ev, xerr := t.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			slog.Debug("x11: display connection closed")
			return
		}
		if xerr != nil {
			slog.Debug("x11: protocol error", "err", xerr)
			continue
		}
		cm, ok := ev.(xproto.ClientMessageEvent)
		if !ok {
			continue
		}
		if cm.Type == t.stop {
			return
		}
		if cm.Format != 8 {
			continue
		}

		var marker fragment.Marker
		switch cm.Type {
		case t.begin:
			marker = fragment.Begin
		case t.msg:
			marker = fragment.Continuation
		default:
			continue
		}
		raw := cm.Data.Data8
		data := append([]byte(nil), raw[:chunkLen(raw)]...)
		if !t.q.Push(session.Event{Chunk: fragment.Chunk{Marker: marker, Data: data}}) {
			return
		}
	}
}

// pad copies data into a zeroed ClientMessage payload.
func pad(data []byte) []byte {
	buf := make([]byte, fragment.X11ChunkSize)
	copy(buf, data)
	return buf
}

// chunkLen is the payload length up to the first NUL.
func chunkLen(data []byte) int {
	n := min(len(data), fragment.X11ChunkSize)
	if i := bytes.IndexByte(data[:n], 0); i >= 0 {
		return i
	}
	return n
}

func isSkypeName(b []byte) bool {
	name, _, _ := bytes.Cut(b, []byte{0})
	return strings.EqualFold(string(name), skypeWindowName)
}

//go:build !linux && !windows

package transport

import (
	"fmt"

	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/dbus"
	"go.klb.dev/skypebridge/internal/transport/x11"
)

// open on other Unix systems. Auto prefers X11; D-Bus is there when a session
// bus has been started by hand.
func open(kind Kind, opts Options) (session.Transport, error) {
	openX11 := func() (session.Transport, error) {
		t, err := x11.Open(opts.Display)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	openDBus := func() (session.Transport, error) {
		t, err := dbus.Open()
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	switch kind {
	case X11:
		return openX11()
	case DBus:
		return openDBus()
	case Auto:
		return openAuto([]opener{
			{name: string(X11), open: openX11},
			{name: string(DBus), open: openDBus},
		})
	default:
		return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}
}

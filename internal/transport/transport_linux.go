//go:build linux

package transport

import (
	"fmt"

	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/dbus"
	"go.klb.dev/skypebridge/internal/transport/x11"
)

// open on Linux. Auto runs the session bus and X11 side by side and uses
// whichever finds Skype, preferring D-Bus.
func open(kind Kind, opts Options) (session.Transport, error) {
	switch kind {
	case DBus:
		return openDBus()
	case X11:
		return openX11(opts.Display)
	case Auto:
		return openAuto([]opener{
			{name: string(DBus), open: openDBus},
			{name: string(X11), open: func() (session.Transport, error) { return openX11(opts.Display) }},
		})
	default:
		return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}
}

func openDBus() (session.Transport, error) {
	t, err := dbus.Open()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func openX11(display string) (session.Transport, error) {
	t, err := x11.Open(display)
	if err != nil {
		return nil, err
	}
	return t, nil
}

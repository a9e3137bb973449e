// Package transport opens the platform transport selected by name. Build
// constraints decide which adapters exist on each OS:
//
//	transport_linux.go  : dbus, x11 (auto runs both, preferring dbus)
//	transport_windows.go: win32
//	transport_other.go  : x11, dbus (auto runs both, preferring x11)
//
// The replay transport is available everywhere.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.klb.dev/skypebridge/internal/crypto"
	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/replay"
	"go.klb.dev/skypebridge/internal/wire"
)

// ErrUnsupported is returned for a transport that does not exist on this OS.
var ErrUnsupported = errors.New("transport not supported on this platform")

// Kind names a transport.
type Kind string

const (
	Auto   Kind = "auto"
	X11    Kind = "x11"
	DBus   Kind = "dbus"
	Win32  Kind = "win32"
	Replay Kind = "replay"
)

// ParseKind accepts a transport name, case-insensitively. Empty means Auto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return Auto, nil
	case Auto, X11, DBus, Win32, Replay:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want auto, x11, dbus, win32 or replay)", s)
	}
}

// Options carries the settings individual transports need.
type Options struct {
	// Display is the X11 display; empty uses $DISPLAY.
	Display string

	ReplayFile   string
	ReplayFormat wire.Format
	ReplayKey    *[crypto.KeySize]byte

	// ConnectTimeout bounds the Win32 attach handshake.
	ConnectTimeout time.Duration
}

// New opens the transport of the given kind.
func New(kind Kind, opts Options) (session.Transport, error) {
	if kind == Replay {
		if opts.ReplayFile == "" {
			return nil, errors.New("replay transport needs a recording file")
		}
		t, err := replay.OpenFile(opts.ReplayFile, opts.ReplayFormat, opts.ReplayKey)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return open(kind, opts)
}

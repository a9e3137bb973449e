//go:build windows

package transport

import (
	"fmt"

	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/win32"
)

func open(kind Kind, opts Options) (session.Transport, error) {
	switch kind {
	case Auto, Win32:
		t, err := win32.Open(opts.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}
}

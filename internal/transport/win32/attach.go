// Package win32 talks to Skype with Windows messages. Discovery broadcasts the
// registered SkypeControlAPIDiscover message; Skype answers with
// SkypeControlAPIAttach, carrying its window handle and an attach status.
// Text travels both ways as NUL-terminated UTF-8 in WM_COPYDATA.
//
// The transport itself is only built on Windows.
package win32

import (
	"fmt"

	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

const (
	discoverMessage = "SkypeControlAPIDiscover"
	attachMessage   = "SkypeControlAPIAttach"
)

// lParam values of the attach message.
const (
	attachSuccess              = 0
	attachPendingAuthorization = 1
	attachRefused              = 2
	attachNotAvailable         = 3
	attachAPIAvailable         = 0x8001
)

// Window is the peer handle: Skype's API window.
type Window uintptr

func (w Window) String() string { return fmt.Sprintf("hwnd:0x%x", uintptr(w)) }

func attachStatus(code uintptr) message.Status {
	switch code {
	case attachSuccess:
		return message.StatusAttached
	case attachPendingAuthorization:
		return message.StatusPendingAuthorization
	case attachRefused:
		return message.StatusRefused
	case attachNotAvailable:
		return message.StatusNotAvailable
	case attachAPIAvailable:
		return message.StatusAPIAvailable
	default:
		return message.StatusUnknown
	}
}

// attachEvent turns an attach code into a status event. Codes outside the
// known set report false.
func attachEvent(code uintptr) (session.Event, bool) {
	st := attachStatus(code)
	if st == message.StatusUnknown {
		return session.Event{}, false
	}
	return session.StatusEvent(st), true
}

// cString returns the text of b up to its first NUL.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

package win32

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

func TestAttachStatus(t *testing.T) {
	tests := []struct {
		code uintptr
		want message.Status
	}{
		{0, message.StatusAttached},
		{1, message.StatusPendingAuthorization},
		{2, message.StatusRefused},
		{3, message.StatusNotAvailable},
		{0x8001, message.StatusAPIAvailable},
		{42, message.StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, attachStatus(tt.code), "code %#x", tt.code)
	}
}

func TestAttachEvent(t *testing.T) {
	ev, ok := attachEvent(2)
	assert.True(t, ok)
	assert.Equal(t, session.EventStatus, ev.Kind)
	assert.Equal(t, message.StatusRefused, ev.Status)

	_, ok = attachEvent(42)
	assert.False(t, ok, "unknown codes never reach the session")
}

func TestCString(t *testing.T) {
	assert.Equal(t, "PONG", cString([]byte("PONG\x00garbage")))
	assert.Equal(t, "PONG", cString([]byte("PONG")))
	assert.Equal(t, "", cString(nil))
}

func TestWindowString(t *testing.T) {
	assert.Equal(t, "hwnd:0x1a2b", Window(0x1a2b).String())
}

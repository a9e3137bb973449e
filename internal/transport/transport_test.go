package transport

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/wire"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", Auto, false},
		{"auto", Auto, false},
		{" X11 ", X11, false},
		{"DBus", DBus, false},
		{"win32", Win32, false},
		{"replay", Replay, false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, wire.NewWriter(f, wire.FormatNDJSON, nil).Write(
		message.Record{Direction: message.DirectionReceived, OffsetMS: 0, Text: "PONG"}))
	require.NoError(t, f.Close())

	tr, err := New(Replay, Options{ReplayFile: path})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "replay", tr.Name())
	assert.Equal(t, 0, tr.MaxChunk())
}

func TestNewReplayNeedsFile(t *testing.T) {
	_, err := New(Replay, Options{})
	assert.Error(t, err)
}

func TestWin32UnsupportedOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("win32 is the native transport here")
	}
	_, err := New(Win32, Options{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

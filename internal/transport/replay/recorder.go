package replay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"go.klb.dev/skypebridge/internal/crypto"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/wire"
)

// Recorder appends every traced record to a file. Its Trace method plugs
// into session.Options.Trace.
type Recorder struct {
	path string
	f    *os.File
	z    *zstd.Encoder // nil unless path ends in .zst
	w    *wire.Writer

	mu     sync.Mutex
	closed bool
}

// CreateRecorder creates (or truncates) path. A ".zst" suffix compresses
// the recording with zstd.
func CreateRecorder(path string, format wire.Format, key *[crypto.KeySize]byte) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r := &Recorder{path: path, f: f}
	var out io.Writer = f
	if Compressed(path) {
		if r.z, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("recorder: zstd: %w", err)
		}
		out = r.z
	}
	r.w = wire.NewWriter(out, format, key)
	return r, nil
}

// Compressed reports whether path names a zstd-compressed recording.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// Trace writes r. Failures are logged; recording never interrupts the
// session.
func (r *Recorder) Trace(rec message.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	err := r.w.Write(rec)
	if err == nil && r.z != nil {
		// End the zstd block so the record survives a crash.
		err = r.z.Flush()
	}
	if err != nil {
		slog.Warn("recorder: write failed", "path", r.path, "err", err)
	}
}

// Close closes the file. Later Trace calls are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.z != nil {
		if err := r.z.Close(); err != nil {
			_ = r.f.Close()
			return fmt.Errorf("recorder: zstd: %w", err)
		}
	}
	return r.f.Close()
}

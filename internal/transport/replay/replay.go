// Package replay plays a recording back as if a Skype client were attached.
//
// Received records are emitted at their recorded offsets from the moment the
// transport is opened. Each sent record waits for the next command handed to
// Transmit and checks that it matches. PROTOCOL negotiation is answered
// locally and skipped in the recording, so recordings made against any Skype
// version replay the same way.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"go.klb.dev/skypebridge/internal/crypto"
	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/wire"
)

// ProtocolReply answers every PROTOCOL command.
const ProtocolReply = "PROTOCOL 6"

const protocolPrefix = "PROTOCOL "

// ErrMismatch reports a command that differs from the recorded one.
var ErrMismatch = errors.New("replay: sent command does not match recording")

// Peer is the peer handle: the name of the recording.
type Peer string

func (p Peer) String() string { return "replay:" + string(p) }

// Transport plays one recording.
type Transport struct {
	name    string
	records []message.Record

	q      *session.Queue
	sent   chan string
	played chan struct{} // closed when the player goroutine returns
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

// OpenFile loads a recording and starts playing it. A ".zst" suffix means
// the file is zstd-compressed.
func OpenFile(path string, format wire.Format, key *[crypto.KeySize]byte) (*Transport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()
	var in io.Reader = f
	if Compressed(path) {
		d, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("replay %s: zstd: %w", path, err)
		}
		defer d.Close()
		in = d
	}
	records, err := wire.ReadAll(in, format, key)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	return New(path, records), nil
}

// New starts playing records.
func New(name string, records []message.Record) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		name:    name,
		records: records,
		q:       session.NewQueue(256),
		sent:    make(chan string, 64),
		played:  make(chan struct{}),
		cancel:  cancel,
	}
	go t.play(ctx)
	return t
}

func (t *Transport) play(ctx context.Context) {
	defer close(t.played)
	start := time.Now()
	for i, r := range t.records {
		if strings.HasPrefix(r.Text, protocolPrefix) {
			continue
		}
		switch r.Direction {
		case message.DirectionSent:
			var got string
			select {
			case <-ctx.Done():
				return
			case got = <-t.sent:
			}
			if got != r.Text {
				t.fail(fmt.Errorf("%w: record %d: sent %q, want %q", ErrMismatch, i+1, got, r.Text))
				return
			}
		case message.DirectionReceived:
			if wait := time.Until(start.Add(r.Offset())); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if !t.push(r.Text) {
				return
			}
		}
	}
	slog.Debug("replay: recording finished", "name", t.name, "records", len(t.records))
}

func (t *Transport) fail(err error) {
	slog.Error("replay: stopping playback", "name", t.name, "err", err)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	// Nothing recorded can follow a divergence.
	t.q.Close()
}

// Err returns the reason playback stopped early, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Finished is closed once playback ends.
func (t *Transport) Finished() <-chan struct{} { return t.played }

func (t *Transport) push(text string) bool {
	return t.q.Push(session.Event{Chunk: fragment.Chunk{Marker: fragment.Begin, Data: []byte(text)}})
}

func (t *Transport) Name() string  { return "replay" }
func (t *Transport) MaxChunk() int { return 0 }

// Lookup always finds the recording.
func (t *Transport) Lookup(context.Context) (session.PeerHandle, error) {
	return Peer(t.name), nil
}

func (t *Transport) Search(ctx context.Context) (session.PeerHandle, error) {
	return t.Lookup(ctx)
}

// Transmit hands the command to the player. Commands sent after the
// recording is exhausted are accepted and ignored.
func (t *Transport) Transmit(ctx context.Context, _ session.PeerHandle, c fragment.Chunk) (string, error) {
	cmd := string(c.Data)
	if strings.HasPrefix(cmd, protocolPrefix) {
		go t.push(ProtocolReply)
		return "", nil
	}
	select {
	case <-t.played:
		return "", t.Err()
	default:
	}
	select {
	case t.sent <- cmd:
		return "", nil
	case <-t.played:
		return "", t.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Transport) Events() <-chan session.Event { return t.q.Events() }

// Close stops playback.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.q.Close()
		<-t.played
	})
	return nil
}

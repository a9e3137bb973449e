// Package memory provides an in-process Transport whose "Skype" side is driven
// by the caller. It is used by tests and by anything that needs a peer without
// a desktop session.
package memory

import (
	"context"
	"sync"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

// Peer is the handle returned by discovery.
type Peer string

func (p Peer) String() string { return string(p) }

// Transport is a scripted session.Transport.
type Transport struct {
	max int
	q   *session.Queue

	mu        sync.Mutex
	lookup    session.PeerHandle
	search    session.PeerHandle
	lookups   int
	searches  int
	asm       *fragment.Assembler
	sent      []string
	replier   func(string) string
	failWith  error
	searchErr error
}

// New returns a Transport that splits messages at maxChunk bytes
// (0 = whole messages). Discovery fails until SetLookup or SetSearch is used.
func New(maxChunk int) *Transport {
	return &Transport{
		max: maxChunk,
		q:   session.NewQueue(64),
		asm: fragment.NewAssembler(maxChunk),
	}
}

// SetLookup makes the fast discovery path return p (nil = not found).
func (t *Transport) SetLookup(p session.PeerHandle) {
	t.mu.Lock()
	t.lookup = p
	t.mu.Unlock()
}

// SetSearch makes the exhaustive discovery path return p (nil = not found).
func (t *Transport) SetSearch(p session.PeerHandle) {
	t.mu.Lock()
	t.search = p
	t.mu.Unlock()
}

// SetReplier installs a function answering each complete command
// synchronously, like the D-Bus Invoke call.
func (t *Transport) SetReplier(fn func(command string) string) {
	t.mu.Lock()
	t.replier = fn
	t.mu.Unlock()
}

// FailSearch makes the exhaustive discovery path return err.
func (t *Transport) FailSearch(err error) {
	t.mu.Lock()
	t.searchErr = err
	t.mu.Unlock()
}

// FailTransmit makes every Transmit return err (nil restores success).
func (t *Transport) FailTransmit(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

// Notify plays text from the Skype side, chunked like the real channel.
func (t *Transport) Notify(text string) bool {
	for _, c := range fragment.Encode(text, t.max) {
		if !t.PushChunk(c) {
			return false
		}
	}
	return true
}

// PushChunk injects a single raw chunk.
func (t *Transport) PushChunk(c fragment.Chunk) bool {
	return t.q.Push(session.Event{Chunk: c})
}

// PushStatus injects an attach status event.
func (t *Transport) PushStatus(st message.Status) bool {
	return t.q.Push(session.StatusEvent(st))
}

// Sent returns the complete commands received so far.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// Lookups returns how many times the fast path ran.
func (t *Transport) Lookups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookups
}

// Searches returns how many times the exhaustive path ran.
func (t *Transport) Searches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searches
}

func (t *Transport) Name() string  { return "memory" }
func (t *Transport) MaxChunk() int { return t.max }

func (t *Transport) Lookup(context.Context) (session.PeerHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookups++
	if t.lookup == nil {
		return nil, session.ErrPeerNotFound
	}
	return t.lookup, nil
}

func (t *Transport) Search(context.Context) (session.PeerHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches++
	if t.searchErr != nil {
		return nil, t.searchErr
	}
	if t.search == nil {
		return nil, session.ErrPeerNotFound
	}
	return t.search, nil
}

func (t *Transport) Transmit(_ context.Context, _ session.PeerHandle, c fragment.Chunk) (string, error) {
	t.mu.Lock()
	if t.failWith != nil {
		err := t.failWith
		t.mu.Unlock()
		return "", err
	}
	cmd, done := t.asm.Feed(c)
	if !done {
		t.mu.Unlock()
		return "", nil
	}
	t.sent = append(t.sent, cmd)
	replier := t.replier
	t.mu.Unlock()

	if replier == nil {
		return "", nil
	}
	return replier(cmd), nil
}

func (t *Transport) Events() <-chan session.Event { return t.q.Events() }

func (t *Transport) Close() error {
	t.q.Close()
	return nil
}

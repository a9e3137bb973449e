package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
)

var (
	// ErrPeerNotFound is returned when no Skype endpoint could be located.
	// It is not fatal; discovery may be retried later.
	ErrPeerNotFound = errors.New("skype peer not found")

	// ErrAlreadyRunning is returned by Run when a receive loop is active.
	ErrAlreadyRunning = errors.New("receive loop already running")

	// ErrTransportClosed is returned by Run when the transport stops
	// producing events.
	ErrTransportClosed = errors.New("transport closed")
)

// StatusError reports that discovery reached the peer but the peer answered
// with a status other than attached (for example a refused authorization).
type StatusError struct {
	Status message.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("skype answered %s", e.Status)
}

// PeerHandle identifies the discovered Skype endpoint. Each transport has its
// own concrete type; the session only stores and passes it back.
type PeerHandle interface {
	String() string
}

// EventKind tells chunk events from status events.
type EventKind uint8

const (
	EventChunk EventKind = iota
	EventStatus
)

// Event is one raw item received from the transport: either a chunk of a
// notification or, for transports that report it, an attach status change.
type Event struct {
	Kind   EventKind
	Chunk  fragment.Chunk
	Status message.Status
}

// StatusEvent returns an event reporting st.
func StatusEvent(st message.Status) Event {
	return Event{Kind: EventStatus, Status: st}
}

// Transport is a platform channel to the Skype client.
//
// Implementations start receiving when they are opened and push events into
// the channel returned by Events until Close, which closes that channel.
type Transport interface {
	// Name returns a short name used in logs ("x11", "dbus", ...).
	Name() string

	// MaxChunk returns the payload limit per transmitted chunk, or 0 when the
	// channel carries whole messages.
	MaxChunk() int

	// Lookup is the fast discovery path. It returns ErrPeerNotFound when the
	// fast path has no answer.
	Lookup(ctx context.Context) (PeerHandle, error)

	// Search is the exhaustive discovery fallback.
	Search(ctx context.Context) (PeerHandle, error)

	// Transmit sends one chunk to peer. Transports with synchronous replies
	// return the reply text; others return "".
	Transmit(ctx context.Context, peer PeerHandle, c fragment.Chunk) (string, error)

	// Events returns the receive channel. It is closed when the transport is.
	Events() <-chan Event

	Close() error
}

// Queue is a bounded event channel that can be closed safely while
// producers are still pushing. Transports use it to implement Events.
type Queue struct {
	ch   chan Event
	done chan struct{}

	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a Queue buffering up to size events.
func NewQueue(size int) *Queue {
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Push delivers ev, blocking while the buffer is full. It returns false once
// the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	}
}

// TryPush delivers ev without blocking. It returns false when the buffer is
// full or the queue is closed.
func (q *Queue) TryPush(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Events returns the receive side of the queue.
func (q *Queue) Events() <-chan Event { return q.ch }

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close closes the queue. It is safe to call more than once.
func (q *Queue) Close() {
	// Wake blocked producers before taking the write lock.
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

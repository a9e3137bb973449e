// Package session ties one Transport to the fragment codec and the duplicate
// filter. A Session discovers the Skype peer, sends commands to it and runs
// the receive loop that delivers complete notifications.
//
// A Session addresses exactly one peer and runs at most one receive loop.
// Discover and Send may be called from any goroutine while Run is active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/skypebridge/internal/dedupe"
	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
)

// LoopState is the state of the receive loop.
type LoopState int32

const (
	LoopStopped LoopState = iota
	LoopRunning
)

func (s LoopState) String() string {
	if s == LoopRunning {
		return "running"
	}
	return "stopped"
}

// Options configures a Session. All fields are optional.
type Options struct {
	// Deliver is called once per complete, non-duplicate notification.
	// It runs on the receive loop goroutine (or the sender's goroutine for
	// command replies) and should not block for long.
	Deliver func(message.Notification)

	// OnStatus is called after every status change.
	OnStatus func(message.Status)

	// Trace sees every command handed to the transport and every delivered
	// notification, with the time since the session was created.
	Trace func(message.Record)

	Logger *slog.Logger
}

// Session is one conversation with one Skype client.
type Session struct {
	t       Transport
	opts    Options
	filter  *dedupe.Filter
	log     *slog.Logger
	created time.Time

	discoverMu sync.Mutex // serialises searches
	peerMu     sync.RWMutex
	peer       PeerHandle

	sendMu sync.Mutex // keeps the chunks of one command together

	statusMu sync.RWMutex
	status   message.Status

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Session over t. The session owns t from now on.
func New(t Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		t:       t,
		opts:    opts,
		filter:  &dedupe.Filter{},
		log:     logger.With("transport", t.Name()),
		created: time.Now(),
		stop:    make(chan struct{}),
	}
}

// Transport returns the name of the underlying transport.
func (s *Session) Transport() string { return s.t.Name() }

// Discover returns the cached peer, or locates it with the transport's fast
// lookup and, failing that, its exhaustive search. A found peer is cached
// until Forget.
func (s *Session) Discover(ctx context.Context) (PeerHandle, error) {
	if peer, ok := s.Peer(); ok {
		return peer, nil
	}
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()
	if peer, ok := s.Peer(); ok {
		return peer, nil
	}

	peer, err := s.t.Lookup(ctx)
	if err != nil && ctx.Err() == nil {
		if !errors.Is(err, ErrPeerNotFound) {
			s.log.Debug("fast peer lookup failed", "err", err)
		}
		peer, err = s.t.Search(ctx)
	}
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se):
			s.SetStatus(se.Status)
		case errors.Is(err, ErrPeerNotFound):
			s.SetStatus(message.StatusNotRunning)
		}
		return nil, fmt.Errorf("discover: %w", err)
	}

	s.peerMu.Lock()
	s.peer = peer
	s.peerMu.Unlock()
	s.log.Info("skype peer found", "peer", peer.String())
	if !s.Status().Usable() {
		s.SetStatus(message.StatusAttached)
	}
	return peer, nil
}

// Peer returns the cached peer, if any. It never searches.
func (s *Session) Peer() (PeerHandle, bool) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer, s.peer != nil
}

// Forget drops the cached peer so that the next Discover searches again.
// The duplicate filter starts over with the next peer.
func (s *Session) Forget() {
	s.peerMu.Lock()
	prev := s.peer
	s.peer = nil
	s.peerMu.Unlock()
	s.filter.Reset()
	if prev != nil {
		s.log.Info("skype peer forgotten", "peer", prev.String())
	}
}

// Send hands command to the peer. Without a peer the command is dropped;
// transport failures are logged. Neither is reported to the caller.
// A synchronous reply is delivered as a command reply.
func (s *Session) Send(ctx context.Context, command string) {
	peer, err := s.Discover(ctx)
	if err != nil {
		s.log.Debug("not connected, command dropped", "command", command, "err", err)
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.log.Debug("sending command to skype", "command", command)
	s.trace(message.DirectionSent, command)
	for _, c := range fragment.Encode(command, s.t.MaxChunk()) {
		reply, err := s.t.Transmit(ctx, peer, c)
		if err != nil {
			s.log.Warn("send failed", "command", command, "peer", peer.String(), "err", err)
			return
		}
		if reply != "" {
			s.dispatch(reply, message.SourceCommandReply)
		}
	}
}

// Run is the receive loop. It blocks until Stop is called, ctx is done or
// the transport closes, delivering every complete notification in between.
// A Session whose loop was stopped does not run again.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(LoopStopped), int32(LoopRunning)) {
		return ErrAlreadyRunning
	}
	defer s.state.Store(int32(LoopStopped))

	asm := fragment.NewAssembler(s.t.MaxChunk())
	events := s.t.Events()
	s.log.Debug("receive loop started")
	defer s.log.Debug("receive loop finished")

	for {
		select {
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrTransportClosed
			}
			if s.stopRequested() {
				return nil
			}
			if ev.Kind == EventStatus {
				if ev.Status == message.StatusUnknown {
					s.log.Debug("ignoring unknown attach status")
					continue
				}
				s.SetStatus(ev.Status)
				continue
			}
			text, done := asm.Feed(ev.Chunk)
			if !done {
				continue
			}
			s.dispatch(text, message.SourceCallback)
		}
	}
}

// Stop asks the receive loop to finish and returns without waiting for it.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// State reports whether the receive loop is running.
func (s *Session) State() LoopState { return LoopState(s.state.Load()) }

// Status returns the last known attach status.
func (s *Session) Status() message.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// SetStatus records a new attach status and notifies OnStatus if it changed.
func (s *Session) SetStatus(st message.Status) {
	s.statusMu.Lock()
	prev := s.status
	s.status = st
	s.statusMu.Unlock()
	if prev == st {
		return
	}
	s.log.Info("status changed", "from", prev.String(), "to", st.String())
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

// Close stops the loop and closes the transport.
func (s *Session) Close() error {
	s.Stop()
	return s.t.Close()
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) dispatch(text string, src message.Source) {
	if s.filter.ShouldSuppress(text, src) {
		s.log.Debug("ignoring duplicate notification", "text", text)
		return
	}
	s.log.Debug("received skype notification", "text", text, "source", src.String())
	s.trace(message.DirectionReceived, text)
	if s.opts.Deliver == nil {
		return
	}
	s.opts.Deliver(message.Notification{
		ID:         uuid.NewString(),
		Text:       text,
		Source:     src,
		Transport:  s.t.Name(),
		ReceivedAt: time.Now(),
	})
}

func (s *Session) trace(dir message.Direction, text string) {
	if s.opts.Trace == nil {
		return
	}
	s.opts.Trace(message.Record{
		Direction: dir,
		OffsetMS:  time.Since(s.created).Milliseconds(),
		Text:      text,
	})
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/session"
)

// opener opens one candidate transport for Auto.
type opener struct {
	name string
	open func() (session.Transport, error)
}

// openAuto opens every candidate that is available. With a single survivor
// that transport is used as is; with several, discovery decides.
func openAuto(openers []opener) (session.Transport, error) {
	var (
		children []session.Transport
		errs     []error
	)
	for _, o := range openers {
		t, err := o.open()
		if err != nil {
			slog.Info("transport unavailable", "transport", o.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
			continue
		}
		children = append(children, t)
	}
	switch len(children) {
	case 0:
		return nil, fmt.Errorf("no transport available: %w", errors.Join(errs...))
	case 1:
		return children[0], nil
	}
	return newAutoTransport(children), nil
}

// autoTransport runs several transports side by side and talks to Skype
// through whichever one discovered it, in preference order. Incoming chunks
// are reassembled per child, so it carries whole messages (MaxChunk 0) and
// re-chunks outgoing commands for the chosen child.
type autoTransport struct {
	children []session.Transport
	q        *session.Queue
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.Mutex
	active string
}

// autoPeer is a peer found through children[idx].
type autoPeer struct {
	idx  int
	via  string
	peer session.PeerHandle
}

func (p autoPeer) String() string { return p.via + ":" + p.peer.String() }

func newAutoTransport(children []session.Transport) *autoTransport {
	a := &autoTransport{children: children, q: session.NewQueue(256)}
	for _, t := range children {
		a.wg.Add(1)
		go a.forward(t)
	}
	go func() {
		a.wg.Wait()
		a.q.Close()
	}()
	return a
}

func (a *autoTransport) forward(t session.Transport) {
	defer a.wg.Done()
	asm := fragment.NewAssembler(t.MaxChunk())
	for ev := range t.Events() {
		if ev.Kind == session.EventStatus {
			a.q.Push(ev)
			continue
		}
		text, done := asm.Feed(ev.Chunk)
		if !done {
			continue
		}
		a.q.Push(session.Event{Chunk: fragment.Chunk{Marker: fragment.Begin, Data: []byte(text)}})
	}
}

// Name is the name of the transport Skype was last found through, or "auto"
// before the first discovery.
func (a *autoTransport) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != "" {
		return a.active
	}
	return string(Auto)
}

func (a *autoTransport) MaxChunk() int { return 0 }

func (a *autoTransport) Lookup(ctx context.Context) (session.PeerHandle, error) {
	return a.discover(ctx, session.Transport.Lookup)
}

func (a *autoTransport) Search(ctx context.Context) (session.PeerHandle, error) {
	return a.discover(ctx, session.Transport.Search)
}

func (a *autoTransport) discover(ctx context.Context, find func(session.Transport, context.Context) (session.PeerHandle, error)) (session.PeerHandle, error) {
	var statusErr error
	for i, t := range a.children {
		peer, err := find(t, ctx)
		if err == nil {
			a.mu.Lock()
			a.active = t.Name()
			a.mu.Unlock()
			return autoPeer{idx: i, via: t.Name(), peer: peer}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var se *session.StatusError
		switch {
		case errors.As(err, &se):
			if statusErr == nil {
				statusErr = err
			}
		case !errors.Is(err, session.ErrPeerNotFound):
			slog.Debug("discovery failed", "transport", t.Name(), "err", err)
		}
	}
	if statusErr != nil {
		return nil, statusErr
	}
	return nil, session.ErrPeerNotFound
}

func (a *autoTransport) Transmit(ctx context.Context, peer session.PeerHandle, c fragment.Chunk) (string, error) {
	p, ok := peer.(autoPeer)
	if !ok {
		return "", fmt.Errorf("auto: foreign peer handle %T", peer)
	}
	t := a.children[p.idx]
	var reply string
	for _, ch := range fragment.Encode(string(c.Data), t.MaxChunk()) {
		r, err := t.Transmit(ctx, p.peer, ch)
		if err != nil {
			return "", err
		}
		if r != "" {
			reply = r
		}
	}
	return reply, nil
}

func (a *autoTransport) Events() <-chan session.Event { return a.q.Events() }

// Close closes every child; the event channel closes once their readers end.
func (a *autoTransport) Close() error {
	var errs []error
	a.once.Do(func() {
		for _, t := range a.children {
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			}
		}
		a.q.Close()
	})
	return errors.Join(errs...)
}

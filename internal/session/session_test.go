package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/memory"
)

const chatSent = "CHATMESSAGE 5 STATUS SENT"

type collector struct {
	ch chan message.Notification
}

func newCollector() *collector {
	return &collector{ch: make(chan message.Notification, 64)}
}

func (c *collector) deliver(n message.Notification) { c.ch <- n }

func (c *collector) next(t *testing.T) message.Notification {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return message.Notification{}
	}
}

func (c *collector) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case n := <-c.ch:
		t.Fatalf("unexpected notification %q", n.Text)
	case <-time.After(wait):
	}
}

func startLoop(t *testing.T, s *session.Session) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == session.LoopRunning }, time.Second, time.Millisecond)
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not return")
		return nil
	}
}

func TestDiscoverIsCached(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	tr.SetLookup(memory.Peer("skype"))
	s := session.New(tr, session.Options{})

	first, err := s.Discover(context.Background())
	require.NoError(t, err)
	second, err := s.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, tr.Lookups())
	assert.Zero(t, tr.Searches())
	assert.Equal(t, message.StatusAttached, s.Status())
}

func TestDiscoverFallsBackToSearch(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	tr.SetSearch(memory.Peer("walked"))
	s := session.New(tr, session.Options{})

	peer, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "walked", peer.String())

	_, err = s.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Lookups())
	assert.Equal(t, 1, tr.Searches())
}

func TestDiscoverNotFoundIsRetryable(t *testing.T) {
	tr := memory.New(0)
	var statuses []message.Status
	s := session.New(tr, session.Options{OnStatus: func(st message.Status) { statuses = append(statuses, st) }})

	_, err := s.Discover(context.Background())
	require.ErrorIs(t, err, session.ErrPeerNotFound)
	assert.Equal(t, message.StatusNotRunning, s.Status())

	tr.SetLookup(memory.Peer("late"))
	peer, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", peer.String())
	assert.Equal(t, []message.Status{message.StatusNotRunning, message.StatusAttached}, statuses)
}

func TestDiscoverStatusError(t *testing.T) {
	tr := memory.New(0)
	tr.FailSearch(&session.StatusError{Status: message.StatusRefused})
	s := session.New(tr, session.Options{})

	_, err := s.Discover(context.Background())
	var se *session.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, message.StatusRefused, s.Status())
	_, ok := s.Peer()
	assert.False(t, ok)
}

func TestForgetSearchesAgain(t *testing.T) {
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("one"))
	s := session.New(tr, session.Options{})

	_, err := s.Discover(context.Background())
	require.NoError(t, err)
	s.Forget()
	_, ok := s.Peer()
	require.False(t, ok)

	_, err = s.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Lookups())
}

func TestSendWithoutPeerIsNoop(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	s := session.New(tr, session.Options{})

	s.Send(context.Background(), "PING")
	assert.Empty(t, tr.Sent())
}

func TestSendFragmentsLongCommands(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	tr.SetLookup(memory.Peer("skype"))
	s := session.New(tr, session.Options{})

	cmds := []string{
		"PING",
		"GET USER echo123 FUL",
		"MESSAGE echo123 a rather long chat message that needs several chunks",
	}
	for _, c := range cmds {
		s.Send(context.Background(), c)
	}
	assert.Equal(t, cmds, tr.Sent())
}

func TestSendLazilyDiscovers(t *testing.T) {
	tr := memory.New(0)
	tr.SetSearch(memory.Peer("skype"))
	s := session.New(tr, session.Options{})

	s.Send(context.Background(), "PING")
	assert.Equal(t, []string{"PING"}, tr.Sent())
	assert.Equal(t, 1, tr.Searches())
}

func TestCommandReplyIsDeliveredAndNeverSuppressed(t *testing.T) {
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("bus"))
	tr.SetReplier(func(string) string { return chatSent })
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})

	s.Send(context.Background(), "CHATMESSAGE 5 STATUS")
	s.Send(context.Background(), "CHATMESSAGE 5 STATUS")

	for range 2 {
		n := c.next(t)
		assert.Equal(t, chatSent, n.Text)
		assert.Equal(t, message.SourceCommandReply, n.Source)
		assert.Equal(t, "memory", n.Transport)
		assert.NotEmpty(t, n.ID)
	}
}

func TestSendFailureIsSwallowed(t *testing.T) {
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("bus"))
	tr.SetReplier(func(string) string { return "PONG" })
	tr.FailTransmit(errors.New("broken pipe"))
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})

	s.Send(context.Background(), "PING")
	c.none(t, 20*time.Millisecond)
}

func TestRunSuppressesChatSentEcho(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})
	errc := startLoop(t, s)

	for _, text := range []string{chatSent, chatSent, "PING", chatSent} {
		require.True(t, tr.Notify(text))
	}

	assert.Equal(t, chatSent, c.next(t).Text)
	assert.Equal(t, "PING", c.next(t).Text)
	last := c.next(t)
	assert.Equal(t, chatSent, last.Text)
	assert.Equal(t, message.SourceCallback, last.Source)
	c.none(t, 20*time.Millisecond)

	s.Stop()
	assert.NoError(t, waitRun(t, errc))
}

func TestStopEndsLoopWithoutFurtherDeliveries(t *testing.T) {
	tr := memory.New(fragment.X11ChunkSize)
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})
	errc := startLoop(t, s)

	require.True(t, tr.Notify("USER echo123 ONLINESTATUS ONLINE"))
	c.next(t)

	s.Stop()
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, session.LoopStopped, s.State())

	tr.Notify("USER echo123 ONLINESTATUS AWAY")
	c.none(t, 20*time.Millisecond)

	// A stopped session returns at once.
	assert.NoError(t, s.Run(context.Background()))
}

func TestRunIsExclusive(t *testing.T) {
	s := session.New(memory.New(0), session.Options{})
	errc := startLoop(t, s)

	assert.ErrorIs(t, s.Run(context.Background()), session.ErrAlreadyRunning)

	s.Stop()
	require.NoError(t, waitRun(t, errc))
}

func TestRunEndsWhenTransportCloses(t *testing.T) {
	tr := memory.New(0)
	s := session.New(tr, session.Options{})
	errc := startLoop(t, s)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, waitRun(t, errc), session.ErrTransportClosed)
}

func TestRunEndsWithContext(t *testing.T) {
	s := session.New(memory.New(0), session.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	cancel()
	assert.ErrorIs(t, waitRun(t, errc), context.Canceled)
}

func TestStatusEventsUpdateStatus(t *testing.T) {
	tr := memory.New(0)
	var mu sync.Mutex
	var seen []message.Status
	s := session.New(tr, session.Options{OnStatus: func(st message.Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}})
	errc := startLoop(t, s)

	tr.PushStatus(message.StatusPendingAuthorization)
	tr.PushStatus(message.StatusAttached)
	require.Eventually(t, func() bool { return s.Status() == message.StatusAttached }, time.Second, time.Millisecond)

	s.Stop()
	require.NoError(t, waitRun(t, errc))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []message.Status{message.StatusPendingAuthorization, message.StatusAttached}, seen)
}

func TestTraceSeesBothDirections(t *testing.T) {
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("bus"))
	tr.SetReplier(func(cmd string) string { return cmd })
	var records []message.Record
	s := session.New(tr, session.Options{Trace: func(r message.Record) { records = append(records, r) }})

	s.Send(context.Background(), "PROTOCOL 7")

	require.Len(t, records, 2)
	assert.Equal(t, message.DirectionSent, records[0].Direction)
	assert.Equal(t, message.DirectionReceived, records[1].Direction)
	assert.Equal(t, "PROTOCOL 7", records[1].Text)
}

func TestQueueCloseUnblocksProducers(t *testing.T) {
	q := session.NewQueue(1)
	require.True(t, q.Push(session.Event{}))

	done := make(chan bool, 1)
	go func() { done <- q.Push(session.Event{}) }()

	q.Close()
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked")
	}
	assert.False(t, q.Push(session.Event{}))
}

func TestUnknownStatusEventIsIgnored(t *testing.T) {
	tr := memory.New(0)
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})
	errc := startLoop(t, s)

	tr.PushStatus(message.StatusUnknown)
	tr.Notify("PONG")

	assert.Equal(t, "PONG", c.next(t).Text)
	c.none(t, 50*time.Millisecond)
	assert.Equal(t, message.StatusUnknown, s.Status())

	s.Stop()
	require.NoError(t, waitRun(t, errc))
}

func TestForgetResetsDuplicateFilter(t *testing.T) {
	tr := memory.New(0)
	c := newCollector()
	s := session.New(tr, session.Options{Deliver: c.deliver})
	errc := startLoop(t, s)

	tr.Notify(chatSent)
	assert.Equal(t, chatSent, c.next(t).Text)

	s.Forget()
	tr.Notify(chatSent)
	assert.Equal(t, chatSent, c.next(t).Text, "a new peer starts with an empty filter")

	tr.Notify(chatSent)
	c.none(t, 50*time.Millisecond)

	s.Stop()
	require.NoError(t, waitRun(t, errc))
}

func TestQueueTryPushNeverBlocks(t *testing.T) {
	q := session.NewQueue(1)
	assert.True(t, q.TryPush(session.Event{}))
	assert.False(t, q.TryPush(session.Event{}), "buffer full")

	<-q.Events()
	assert.True(t, q.TryPush(session.StatusEvent(message.StatusAttached)))
	ev := <-q.Events()
	assert.Equal(t, session.EventStatus, ev.Kind)

	q.Close()
	assert.False(t, q.TryPush(session.Event{}))
}

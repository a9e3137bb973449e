package command

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
	"go.klb.dev/skypebridge/internal/transport/memory"
)

// fakeSession answers each command through reply, asynchronously, the way
// Skype answers with a later notification.
type fakeSession struct {
	mu     sync.Mutex
	status message.Status
	sent   []string
	reply  func(cmd string) []string
	exec   *Executor
}

func (f *fakeSession) Send(_ context.Context, cmd string) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	if f.reply == nil {
		return
	}
	for _, text := range f.reply(cmd) {
		go f.exec.Observe(message.Notification{Text: text, Source: message.SourceCallback})
	}
}

func (f *fakeSession) Status() message.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) SetStatus(st message.Status) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

func (f *fakeSession) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newExec(t *testing.T, timeout time.Duration, reply func(string) []string) (*Executor, *fakeSession) {
	t.Helper()
	s := &fakeSession{status: message.StatusAttached, reply: reply}
	e := New(s, timeout)
	s.exec = e
	return e, s
}

func TestExecuteWithIDCorrelates(t *testing.T) {
	e, s := newExec(t, time.Second, func(cmd string) []string {
		id, rest, _ := strings.Cut(cmd, " ")
		// An unrelated response with the same prefix arrives first.
		return []string{"#99 USER echo123 FULLNAME Wrong", id + " " + strings.TrimPrefix(rest, "GET ") + " Echo Test"}
	})

	resp, err := e.ExecuteWithID(context.Background(), "GET USER echo123 FULLNAME", "USER echo123 FULLNAME")
	require.NoError(t, err)
	assert.Equal(t, "USER echo123 FULLNAME Echo Test", resp)
	assert.Equal(t, []string{"#0 GET USER echo123 FULLNAME"}, s.Sent())

	_, err = e.ExecuteWithID(context.Background(), "GET USER echo123 FULLNAME", "USER echo123 FULLNAME")
	require.NoError(t, err)
	assert.Equal(t, "#1 GET USER echo123 FULLNAME", s.Sent()[1])
}

func TestExecuteWithIDError(t *testing.T) {
	e, _ := newExec(t, time.Second, func(cmd string) []string {
		id, _, _ := strings.Cut(cmd, " ")
		return []string{id + " ERROR 7 GET: invalid WHAT"}
	})

	resp, err := e.ExecuteWithID(context.Background(), "GET NONSENSE", "NONSENSE")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, "ERROR 7 GET: invalid WHAT", resp)
}

func TestExecuteDefaultsHeaderToCommand(t *testing.T) {
	e, _ := newExec(t, time.Second, func(cmd string) []string {
		return []string{"USER echo123 ONLINESTATUS ONLINE", cmd}
	})

	resp, err := e.Execute(context.Background(), "PING", "")
	require.NoError(t, err)
	assert.Equal(t, "PING", resp)
}

func TestResendOnceThenNotRunning(t *testing.T) {
	e, s := newExec(t, 20*time.Millisecond, nil)

	_, err := e.Execute(context.Background(), "PING", "PONG")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []string{"PING", "PING"}, s.Sent())
	assert.Equal(t, message.StatusNotRunning, s.Status())
}

func TestResendAnswered(t *testing.T) {
	var n int
	e, s := newExec(t, 30*time.Millisecond, func(cmd string) []string {
		n++
		if n == 1 {
			return nil
		}
		return []string{"PONG"}
	})

	resp, err := e.Execute(context.Background(), "PING", "PONG")
	require.NoError(t, err)
	assert.Equal(t, "PONG", resp)
	assert.Len(t, s.Sent(), 2)
	assert.Equal(t, message.StatusAttached, s.Status())
}

func TestExecuteRequiresAttached(t *testing.T) {
	e, s := newExec(t, time.Second, nil)
	s.SetStatus(message.StatusRefused)

	_, err := e.Execute(context.Background(), "PING", "PONG")
	var se *session.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, message.StatusRefused, se.Status)
	assert.Empty(t, s.Sent())
}

func TestExecuteContextCancel(t *testing.T) {
	e, _ := newExec(t, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "PING", "PONG")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshake(t *testing.T) {
	e, s := newExec(t, time.Second, func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "NAME "):
			return []string{"OK"}
		case strings.HasPrefix(cmd, "PROTOCOL "):
			return []string{"PROTOCOL 8"}
		}
		return nil
	})
	s.SetStatus(message.StatusPendingAuthorization)

	v, err := e.Handshake(context.Background(), "skypebridge", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	assert.Equal(t, []string{"NAME skypebridge", "PROTOCOL 9999"}, s.Sent())
}

func TestHandshakeNameRefused(t *testing.T) {
	e, s := newExec(t, time.Second, func(cmd string) []string {
		return []string{"ERROR 68 Connection refused"}
	})

	_, err := e.Handshake(context.Background(), "skypebridge", 5)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, []string{"NAME skypebridge"}, s.Sent())
}

// Synchronous replies (the D-Bus Invoke path) reach the executor through the
// session's Deliver callback before Send returns.
func TestWithSessionCommandReplies(t *testing.T) {
	tr := memory.New(0)
	tr.SetLookup(memory.Peer("skype"))
	tr.SetReplier(func(cmd string) string {
		if strings.HasPrefix(cmd, "PROTOCOL ") {
			return "PROTOCOL 7"
		}
		return ""
	})

	var e *Executor
	s := session.New(tr, session.Options{Deliver: func(n message.Notification) { e.Observe(n) }})
	defer s.Close()
	e = New(s, time.Second)

	v, err := e.Handshake(context.Background(), "", 9999)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, []string{"PROTOCOL 9999"}, tr.Sent())
}

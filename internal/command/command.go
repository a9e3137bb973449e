// Package command runs request/response exchanges on top of a session.
// Skype answers commands with ordinary notifications, so the executor
// watches every delivered notification for the expected response header.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

// DefaultTimeout is how long one attempt waits for its response.
const DefaultTimeout = 10 * time.Second

// DefaultProtocol asks Skype for the newest protocol it speaks.
const DefaultProtocol = 9999

const errorHeader = "ERROR "

var (
	// ErrTimeout is returned when neither the command nor its resend got a
	// response. The session is marked not running.
	ErrTimeout = errors.New("command timed out")

	// ErrCommandFailed is returned when Skype answers with ERROR.
	ErrCommandFailed = errors.New("skype returned an error")
)

// Session is the part of *session.Session the executor uses.
type Session interface {
	Send(ctx context.Context, command string)
	Status() message.Status
	SetStatus(message.Status)
}

type waiter struct {
	headers []string
	ch      chan string
}

func (w *waiter) matches(text string) bool {
	for _, h := range w.headers {
		if strings.HasPrefix(text, h) {
			return true
		}
	}
	return false
}

// Executor correlates commands with their responses. Observe must see every
// notification the session delivers.
type Executor struct {
	s       Session
	timeout time.Duration
	next    atomic.Int64

	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

// New returns an Executor over s. A zero timeout means DefaultTimeout.
func New(s Session, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{s: s, timeout: timeout, waiters: make(map[*waiter]struct{})}
}

// Observe offers n to every pending command. Each command takes the first
// matching notification only.
func (e *Executor) Observe(n message.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w := range e.waiters {
		if !w.matches(n.Text) {
			continue
		}
		select {
		case w.ch <- n.Text:
		default:
		}
	}
}

// Execute sends command and returns the first notification starting with
// responseHeader (the command itself when empty) or with ERROR.
func (e *Executor) Execute(ctx context.Context, command, responseHeader string) (string, error) {
	if responseHeader == "" {
		responseHeader = command
	}
	resp, err := e.exec(ctx, command, []string{responseHeader, errorHeader}, true)
	if err != nil {
		return "", err
	}
	return resp, failed(resp)
}

// ExecuteWithID prefixes command with a fresh "#<n> " header, waits for the
// response carrying the same header and returns it with the header removed.
// Unlike Execute it cannot pick up an unrelated notification that happens
// to share the response prefix.
func (e *Executor) ExecuteWithID(ctx context.Context, command, responseHeader string) (string, error) {
	header := "#" + strconv.FormatInt(e.next.Add(1)-1, 10) + " "
	resp, err := e.exec(ctx, header+command, []string{header + responseHeader, header + errorHeader}, true)
	if err != nil {
		return "", err
	}
	resp = strings.TrimPrefix(resp, header)
	return resp, failed(resp)
}

// Handshake introduces the application by name (skipped when app is empty)
// and negotiates the protocol version. It returns the version Skype agreed
// to. It does not require the session to be attached yet.
func (e *Executor) Handshake(ctx context.Context, app string, protocol int) (int, error) {
	if app != "" {
		resp, err := e.exec(ctx, "NAME "+app, []string{"OK", "NAME ", errorHeader}, false)
		if err != nil {
			return 0, fmt.Errorf("name: %w", err)
		}
		if err := failed(resp); err != nil {
			return 0, fmt.Errorf("name: %w", err)
		}
	}
	if protocol <= 0 {
		protocol = DefaultProtocol
	}
	resp, err := e.exec(ctx, "PROTOCOL "+strconv.Itoa(protocol), []string{"PROTOCOL ", errorHeader}, false)
	if err != nil {
		return 0, fmt.Errorf("protocol: %w", err)
	}
	if err := failed(resp); err != nil {
		return 0, fmt.Errorf("protocol: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(resp, "PROTOCOL ")))
	if err != nil {
		return 0, fmt.Errorf("protocol: bad reply %q", resp)
	}
	return v, nil
}

// exec sends command and waits for a matching notification. A timed out
// command is resent once; a second timeout marks the session not running.
func (e *Executor) exec(ctx context.Context, command string, headers []string, checkAttached bool) (string, error) {
	if checkAttached {
		if st := e.s.Status(); !st.Usable() {
			return "", &session.StatusError{Status: st}
		}
	}

	w := &waiter{headers: headers, ch: make(chan string, 1)}
	e.mu.Lock()
	e.waiters[w] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, w)
		e.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		e.s.Send(ctx, command)

		timer := time.NewTimer(e.timeout)
		select {
		case resp := <-w.ch:
			timer.Stop()
			return resp, nil
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		if attempt == 2 {
			e.s.SetStatus(message.StatusNotRunning)
			return "", fmt.Errorf("%q: %w", command, ErrTimeout)
		}
		slog.Debug("command timed out, resending", "command", command, "timeout", e.timeout)
	}
}

func failed(resp string) error {
	if strings.HasPrefix(resp, errorHeader) {
		return fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimPrefix(resp, errorHeader))
	}
	return nil
}

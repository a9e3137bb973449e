// Package relay owns the daemon's Skype session. It keeps the session
// attached (discovery retries, name and protocol handshake), runs the
// receive loop and publishes every notification to the hub.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/skypebridge/internal/command"
	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

// DefaultDiscoverInterval is the pause between discovery attempts while
// Skype is not attached.
const DefaultDiscoverInterval = 5 * time.Second

// Config tunes the relay. Zero values pick defaults.
type Config struct {
	AppName          string
	Protocol         int
	DiscoverInterval time.Duration
	CommandTimeout   time.Duration
	InstallPath      string

	// Trace receives every sent command and received notification.
	Trace func(message.Record)
}

// Snapshot is the relay state reported by Status.
type Snapshot struct {
	Transport        string                `json:"transport"`
	Status           string                `json:"status"`
	Peer             string                `json:"peer,omitempty"`
	Loop             string                `json:"loop"`
	Protocol         int                   `json:"protocol,omitempty"`
	AttachedAt       time.Time             `json:"attached_at,omitzero"`
	InstallPath      string                `json:"install_path,omitempty"`
	Published        int64                 `json:"published"`
	Subscribers      []hub.PeerInfo        `json:"subscribers"`
	LastNotification *message.Notification `json:"last_notification,omitempty"`
}

// Relay couples one session to the hub.
type Relay struct {
	h    *hub.Hub
	s    *session.Session
	exec *command.Executor
	cfg  Config

	connectMu sync.Mutex // one discovery + handshake at a time

	mu         sync.RWMutex
	protocol   int // 0 until the handshake succeeds
	attachedAt time.Time

	wake chan struct{}
}

// New builds a relay over t. The relay owns t.
func New(h *hub.Hub, t session.Transport, cfg Config) *Relay {
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = DefaultDiscoverInterval
	}
	r := &Relay{h: h, cfg: cfg, wake: make(chan struct{}, 1)}
	r.s = session.New(t, session.Options{
		Deliver:  r.deliver,
		OnStatus: r.onStatus,
		Trace:    cfg.Trace,
	})
	r.exec = command.New(r.s, cfg.CommandTimeout)
	return r
}

// Hub returns the hub notifications are published to.
func (r *Relay) Hub() *hub.Hub { return r.h }

// Run starts the receive loop and keeps the session attached until ctx is
// done or the transport closes.
func (r *Relay) Run(ctx context.Context) error {
	loopErr := make(chan error, 1)
	go func() { loopErr <- r.s.Run(ctx) }()

	slog.Info("relay started", "transport", r.s.Transport(), "discover_interval", r.cfg.DiscoverInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.s.Stop()
			<-loopErr
			return nil
		case err := <-loopErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive loop: %w", err)
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if !r.attached() {
			if _, err := r.Connect(ctx, false); err != nil && ctx.Err() == nil {
				logConnectErr(err)
			}
		}
		timer.Reset(r.cfg.DiscoverInterval)
	}
}

func logConnectErr(err error) {
	var se *session.StatusError
	switch {
	case errors.Is(err, session.ErrPeerNotFound):
		slog.Debug("skype not found, will retry", "err", err)
	case errors.As(err, &se):
		slog.Warn("skype did not attach", "status", se.Status.String())
	default:
		slog.Warn("connect failed", "err", err)
	}
}

// Connect discovers Skype and runs the handshake. With force it drops the
// current peer first. It returns the status afterwards.
func (r *Relay) Connect(ctx context.Context, force bool) (message.Status, error) {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if force {
		r.detach()
		r.s.Forget()
	}
	if r.attached() {
		return r.s.Status(), nil
	}

	peer, err := r.s.Discover(ctx)
	if err != nil {
		return r.s.Status(), err
	}
	v, err := r.exec.Handshake(ctx, r.cfg.AppName, r.cfg.Protocol)
	if err != nil {
		if errors.Is(err, command.ErrCommandFailed) {
			r.s.SetStatus(message.StatusRefused)
		}
		r.s.Forget()
		return r.s.Status(), fmt.Errorf("handshake: %w", err)
	}

	r.mu.Lock()
	r.protocol = v
	r.attachedAt = time.Now()
	r.mu.Unlock()
	slog.Info("attached to skype", "peer", peer.String(), "protocol", v, "app", r.cfg.AppName)
	return r.s.Status(), nil
}

// Send passes command to Skype without waiting for a response.
func (r *Relay) Send(ctx context.Context, cmd string) {
	r.s.Send(ctx, cmd)
}

// Execute sends cmd and waits for its response. With withID the command is
// correlated by a "#<n> " header.
func (r *Relay) Execute(ctx context.Context, cmd, responseHeader string, withID bool) (string, error) {
	if withID {
		return r.exec.ExecuteWithID(ctx, cmd, responseHeader)
	}
	return r.exec.Execute(ctx, cmd, responseHeader)
}

// Snapshot reports the current state.
func (r *Relay) Snapshot() Snapshot {
	r.mu.RLock()
	snap := Snapshot{
		Transport:   r.s.Transport(),
		Status:      r.s.Status().String(),
		Loop:        r.s.State().String(),
		Protocol:    r.protocol,
		AttachedAt:  r.attachedAt,
		InstallPath: r.cfg.InstallPath,
		Published:   r.h.Published(),
		Subscribers: r.h.Peers(),
	}
	r.mu.RUnlock()
	if p, ok := r.s.Peer(); ok {
		snap.Peer = p.String()
	}
	if n, ok := r.h.Latest(); ok {
		snap.LastNotification = &n
	}
	return snap
}

// Close stops the session and closes the transport.
func (r *Relay) Close() error { return r.s.Close() }

func (r *Relay) deliver(n message.Notification) {
	r.exec.Observe(n)
	hub.LogNotification("notification received", n)
	r.h.Publish(n)
}

// onStatus drops an attached peer that stopped answering or withdrew access
// and wakes the discovery loop.
func (r *Relay) onStatus(st message.Status) {
	if st.Usable() || st == message.StatusPendingAuthorization {
		return
	}
	if !r.detach() {
		return
	}
	r.s.Forget()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) attached() bool {
	if _, ok := r.s.Peer(); !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocol > 0
}

// detach clears the handshake state and reports whether it was set.
func (r *Relay) detach() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.protocol > 0
	r.protocol = 0
	r.attachedAt = time.Time{}
	return was
}

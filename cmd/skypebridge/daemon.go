package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"google.golang.org/grpc"

	"go.klb.dev/skypebridge/internal/command"
	"go.klb.dev/skypebridge/internal/crypto"
	"go.klb.dev/skypebridge/internal/gateway"
	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/install"
	"go.klb.dev/skypebridge/internal/ipc"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/relay"
	"go.klb.dev/skypebridge/internal/rpc"
	"go.klb.dev/skypebridge/internal/tlsconf"
	"go.klb.dev/skypebridge/internal/transport"
	"go.klb.dev/skypebridge/internal/transport/replay"
	"go.klb.dev/skypebridge/internal/wire"
)

func newDaemonCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Attach to Skype and serve the bridge",
		Long: `Attaches to the local Skype client and keeps the session alive, retrying
discovery while Skype is not running. Commands and notifications are served on
the local IPC socket and, with --listen, on one TCP port shared by gRPC and the
HTTP/WebSocket gateway.

Config file search order:
  /etc/skypebridge/skypebridge.toml
  $HOME/.config/skypebridge/skypebridge.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → SKYPEBRIDGE_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runDaemon(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String("transport", "auto", "Skype transport: auto|x11|dbus|win32|replay")
	f.String("display", "", "X11 display (default $DISPLAY)")
	f.String("replay-file", "", "recording played back by the replay transport")
	f.String("record", "", "write every command and notification to this file (.zst = compressed)")
	f.String("record-format", "ndjson", "recording format: ndjson|cbor")
	f.String("record-key", "", "passphrase sealing the recording, also opens --replay-file (- = prompt)")
	f.String("app-name", "skypebridge", "application name announced to Skype (empty = skip NAME)")
	f.Int("protocol", command.DefaultProtocol, "protocol version requested from Skype")
	f.String("listen", "", "TCP address for gRPC + HTTP, e.g. 127.0.0.1:"+defaultPort+" (empty = IPC only)")
	f.String("token", "", "shared secret for TCP clients (empty = no auth)")
	f.Bool("tls", false, "serve TLS on --listen, keyed by the token")
	f.Duration("discover-interval", relay.DefaultDiscoverInterval, "pause between discovery attempts")
	f.Duration("command-timeout", command.DefaultTimeout, "how long a command waits for its reply")
	f.Duration("connect-timeout", 0, "Win32 attach handshake timeout (0 = transport default)")
	f.String("source", defaultSource(), "name for this host in logs")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runDaemon(parent context.Context, v *viper.Viper) error {
	setupLogging(v)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind, err := transport.ParseKind(v.GetString("transport"))
	if err != nil {
		return err
	}
	format, err := wire.ParseFormat(v.GetString("record-format"))
	if err != nil {
		return err
	}
	pass, err := promptSecret(v.GetString("record-key"), "Recording passphrase: ")
	if err != nil {
		return fmt.Errorf("record key: %w", err)
	}
	var key *[crypto.KeySize]byte
	if pass != "" {
		if key, err = crypto.DeriveKey(pass); err != nil {
			return fmt.Errorf("record key: %w", err)
		}
	}

	tr, err := transport.New(kind, transport.Options{
		Display:        v.GetString("display"),
		ReplayFile:     v.GetString("replay-file"),
		ReplayFormat:   format,
		ReplayKey:      key,
		ConnectTimeout: v.GetDuration("connect-timeout"),
	})
	if err != nil {
		return fmt.Errorf("transport %s: %w", kind, err)
	}

	var trace func(message.Record)
	if path := v.GetString("record"); path != "" {
		rec, err := replay.CreateRecorder(path, format, key)
		if err != nil {
			_ = tr.Close()
			return err
		}
		defer rec.Close()
		trace = rec.Trace
		slog.Info("recording session", "path", path, "format", format.String(), "sealed", key != nil)
	}

	installPath, err := install.Path()
	if err != nil {
		slog.Debug("skype installation not found", "err", err)
	}

	h := hub.New()
	r := relay.New(h, tr, relay.Config{
		AppName:          v.GetString("app-name"),
		Protocol:         v.GetInt("protocol"),
		DiscoverInterval: v.GetDuration("discover-interval"),
		CommandTimeout:   v.GetDuration("command-timeout"),
		InstallPath:      installPath,
		Trace:            trace,
	})
	defer r.Close()

	slog.Info("skypebridge daemon starting",
		"version", Version,
		"transport", tr.Name(),
		"source", v.GetString("source"),
		"install_path", installPath,
	)

	// Local clients are trusted; the token guards the TCP port only.
	ipcSrv := grpc.NewServer()
	rpc.RegisterBridgeServer(ipcSrv, rpc.New(r, ""))
	ipcLn, err := ipc.Listen()
	if err != nil {
		slog.Warn("IPC socket unavailable", "err", err)
	} else {
		slog.Info("IPC socket listening", "path", ipc.SocketPath())
		go func() {
			if err := ipcSrv.Serve(ipcLn); err != nil {
				slog.Error("IPC server stopped", "err", err)
			}
		}()
		defer ipcSrv.Stop()
	}

	if addr := v.GetString("listen"); addr != "" {
		stopTCP, err := serveTCP(ctx, withPort(addr), r, h, v.GetString("token"), v.GetBool("tls"))
		if err != nil {
			return err
		}
		defer stopTCP()
	}

	if err := r.Run(ctx); err != nil {
		return err
	}
	slog.Info("skypebridge daemon stopped")
	return nil
}

// serveTCP listens on addr and splits the port between gRPC (HTTP/2 with a
// gRPC content type) and the HTTP gateway (everything else). The returned
// func stops both servers.
func serveTCP(ctx context.Context, addr string, r *relay.Relay, h *hub.Hub, token string, useTLS bool) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if useTLS {
		passphrase := token
		if passphrase == "" {
			passphrase = tlsconf.DefaultPassphrase
		}
		pair, err := tlsconf.Derive(passphrase)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		ln = tls.NewListener(ln, pair.Server())
	}

	svc := rpc.New(r, token)
	gw, err := gateway.New(svc, h)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	m := cmux.New(ln)
	m.SetReadTimeout(10 * time.Second)
	grpcLn := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpLn := m.Match(cmux.Any())

	grpcSrv := grpc.NewServer()
	rpc.RegisterBridgeServer(grpcSrv, svc)

	httpCtx, cancelHTTP := context.WithCancel(ctx)
	go func() {
		if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()
	go func() {
		if err := gateway.Serve(httpCtx, httpLn, gw.Handler()); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			slog.Error("HTTP gateway stopped", "err", err)
		}
	}()
	go func() {
		if err := m.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("cmux stopped", "err", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr(), "tls", useTLS, "auth", token != "")
	return func() {
		cancelHTTP()
		grpcSrv.Stop()
		_ = ln.Close()
	}, nil
}

// promptSecret returns s, or reads a secret from the terminal when s is "-".
func promptSecret(s, prompt string) (string, error) {
	if s != "-" {
		return s, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the passphrase prompt")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

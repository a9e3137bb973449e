package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.klb.dev/skypebridge/internal/ipc"
	"go.klb.dev/skypebridge/internal/rpc"
	"go.klb.dev/skypebridge/internal/tlsconf"
)

// defaultPort is the daemon's TCP port for gRPC and HTTP.
const defaultPort = "8754"

func isContainerID(s string) bool {
	if len(s) < 12 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// defaultSource returns a human-readable identifier for this host.
func defaultSource() string {
	for _, env := range []string{
		"SKYPEBRIDGE_SOURCE",
		"CONTAINER_NAME",
		"COMPOSE_SERVICE",
		"SERVICE_NAME",
	} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	if isContainerID(h) {
		return "container-" + h[:8]
	}
	return h
}

// withPort appends the default port when addr has none.
func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}

// daemonConn is a client connection plus a description of how it was made.
type daemonConn struct {
	*rpc.Client
	cc    *grpc.ClientConn
	route string
}

func (c *daemonConn) Close() error { return c.cc.Close() }

// dialDaemon connects to the daemon: over IPC unless --host was given, else
// over TCP. Token and source travel as per-RPC metadata on both routes.
func dialDaemon(v *viper.Viper) (*daemonConn, error) {
	token := v.GetString("token")
	creds := &clientCreds{token: token, source: v.GetString("source")}

	host := v.GetString("host")
	if host == "" {
		if !ipc.IsRunning() {
			return nil, fmt.Errorf("no daemon on %s (start one with \"skypebridge daemon\" or pass --host)", ipc.SocketPath())
		}
		cc, err := grpc.NewClient(ipc.Target,
			grpc.WithContextDialer(ipc.DialContext),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(creds),
		)
		if err != nil {
			return nil, fmt.Errorf("dial ipc: %w", err)
		}
		return &daemonConn{Client: rpc.NewClient(cc), cc: cc, route: "ipc (" + ipc.SocketPath() + ")"}, nil
	}

	addr := withPort(host)
	opts := []grpc.DialOption{grpc.WithPerRPCCredentials(creds)}
	route := "tcp (" + addr + ")"
	if v.GetBool("tls") {
		passphrase := token
		if passphrase == "" {
			passphrase = tlsconf.DefaultPassphrase
		}
		pair, err := tlsconf.Derive(passphrase)
		if err != nil {
			return nil, fmt.Errorf("tls credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(pair.ClientCredentials()))
		route = "tls (" + addr + ")"
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &daemonConn{Client: rpc.NewClient(cc), cc: cc, route: route}, nil
}

// commandContext applies --timeout to the command's context.
func commandContext(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d := v.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

type clientCreds struct {
	token  string
	source string
}

func (c *clientCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.token != "" {
		md["authorization"] = "Bearer " + c.token
	}
	if c.source != "" {
		md[rpc.SourceHeader] = c.source
	}
	return md, nil
}

func (c *clientCreds) RequireTransportSecurity() bool { return false }

// Package ipc is the local channel between the skypebridge CLI and a running
// daemon: gRPC over a Unix domain socket, or a named pipe on Windows. The
// daemon listens; CLI sub-commands dial it and need no token, since the
// socket is restricted to its owner.
package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// EnvSocket overrides the socket path.
const EnvSocket = "SKYPEBRIDGE_SOCKET"

// SocketPath returns the platform-appropriate path for the IPC socket.
//
//   - Linux:   $XDG_RUNTIME_DIR/skypebridge.sock, else $TMPDIR
//   - macOS:   $TMPDIR/skypebridge.sock
//   - Windows: \\.\pipe\skypebridge
//
// $SKYPEBRIDGE_SOCKET wins on every platform.
func SocketPath() string {
	if s := os.Getenv(EnvSocket); s != "" {
		return s
	}
	return socketPath()
}

// IsRunning reports whether a daemon appears to be listening on the IPC
// socket. It does a cheap dial-and-close; no data is exchanged.
func IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := dialContext(ctx, SocketPath())
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen creates the IPC listener. A stale socket left by a crashed daemon
// is replaced; a live one is an error.
func Listen() (net.Listener, error) {
	path := SocketPath()
	if IsRunning() {
		return nil, fmt.Errorf("ipc: a daemon is already listening on %s", path)
	}
	return listenIPC(path)
}

// Target is the gRPC dial target to use together with DialContext.
const Target = "passthrough:///skypebridge"

// DialContext dials the IPC socket. It is a grpc.WithContextDialer dialer;
// the address gRPC passes in is ignored.
func DialContext(ctx context.Context, _ string) (net.Conn, error) {
	return dialContext(ctx, SocketPath())
}

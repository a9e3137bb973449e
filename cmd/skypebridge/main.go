// skypebridge: drive a running Skype client through its desktop API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/skypebridge/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "skypebridge",
		Short: "Bridge to the Skype desktop API",
		Long: `skypebridge attaches to a locally running Skype client over its desktop
API (X11 or D-Bus on Linux, WM_COPYDATA on Windows) and exposes it over gRPC,
HTTP and WebSocket.

Run "skypebridge daemon" to hold the Skype session. The send, execute, status,
connect and watch commands talk to the daemon over the local IPC socket, or
over TCP with --host.

Config file search order (first found wins):
  /etc/skypebridge/skypebridge.toml
  $HOME/.config/skypebridge/skypebridge.toml
  path supplied via --config

All flags can be set via SKYPEBRIDGE_<FLAG> env vars or config-file keys.
See "skypebridge daemon --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newSendCmd(),
		newExecuteCmd(),
		newStatusCmd(),
		newConnectCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skypebridge %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/skypebridge/internal/logging"
)

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and SKYPEBRIDGE_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → SKYPEBRIDGE_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("skypebridge")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/skypebridge/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "skypebridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	// Dashed keys map to underscores: --record-key reads SKYPEBRIDGE_RECORD_KEY.
	v.SetEnvPrefix("SKYPEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addClientFlags adds the flags shared by commands that talk to a daemon.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("host", "", "daemon address host[:port] (default: local IPC socket)")
	f.String("token", "", "shared secret")
	f.Bool("tls", false, "use TLS keyed by the token when dialing --host")
	f.String("source", defaultSource(), "identifier shown in the daemon's subscriber list")
	f.Duration("timeout", 0, "overall deadline (0 = none)")
	addConfigFlag(cmd)
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"))
}

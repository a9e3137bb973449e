package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gen2brain/beeep"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print Skype notifications as they arrive",
		Long: `Streams notifications from the daemon until interrupted. Each line is the
notification text, or one JSON object per line with --json. With --notify each
notification is also raised as a desktop notification.

  skypebridge watch --prefix "CHATMESSAGE " --prefix "CALL "`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runWatch(cmd, v) },
	}
	f := cmd.Flags()
	f.StringSlice("prefix", nil, "only show notifications starting with one of these")
	f.Bool("json", false, "print one JSON object per notification")
	f.Bool("notify", false, "also show each notification on the desktop")
	addClientFlags(cmd)
	return cmd
}

func runWatch(cmd *cobra.Command, v *viper.Viper) error {
	conn, err := dialDaemon(v)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := commandContext(cmd, v)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	stream, err := conn.Watch(ctx, v.GetStringSlice("prefix"))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	out := cmd.OutOrStdout()
	jsonOut := v.GetBool("json")
	desktop := v.GetBool("notify")
	if desktop {
		beeep.AppName = "skypebridge"
	}
	for {
		n, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		text := n.GetFields()["text"].GetStringValue()
		if desktop {
			if err := beeep.Notify("Skype", text, ""); err != nil {
				slog.Warn("desktop notification failed", "err", err)
			}
		}
		if jsonOut {
			b, err := protojson.Marshal(n)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			continue
		}
		fmt.Fprintln(out, text)
	}
}

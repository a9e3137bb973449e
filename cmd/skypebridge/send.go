package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/skypebridge/internal/rpc"
)

func newSendCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "send COMMAND...",
		Short: "Send a command to Skype without waiting for a reply",
		Long: `Passes one command to Skype through the daemon. Any reply shows up as a
notification; use "skypebridge watch" to see it, or "execute" to wait for it.

  skypebridge send SET USERSTATUS AWAY`,
		Args:    cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, args []string) error { return runSend(cmd, v, args) },
	}
	addClientFlags(cmd)
	return cmd
}

func runSend(cmd *cobra.Command, v *viper.Viper, args []string) error {
	conn, err := dialDaemon(v)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := commandContext(cmd, v)
	defer cancel()
	if err := conn.Send(ctx, strings.Join(args, " ")); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func newExecuteCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "execute COMMAND...",
		Aliases: []string{"exec"},
		Short:   "Send a command to Skype and print its reply",
		Long: `Sends one command and waits for the reply that starts with --response
(default: the command itself). With --id the command is tagged "#<n> " and
only the reply carrying the same tag is accepted; the tag is stripped.

  skypebridge execute --id --response "USER echo123 FULLNAME" GET USER echo123 FULLNAME`,
		Args:    cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, args []string) error { return runExecute(cmd, v, args) },
	}
	f := cmd.Flags()
	f.String("response", "", "expected reply prefix (default: the command)")
	f.Bool("id", false, "correlate the reply by a #<n> tag")
	f.Duration("command-timeout", 0, "how long the daemon waits for the reply (0 = daemon default)")
	addClientFlags(cmd)
	return cmd
}

func runExecute(cmd *cobra.Command, v *viper.Viper, args []string) error {
	conn, err := dialDaemon(v)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := commandContext(cmd, v)
	defer cancel()
	resp, err := conn.Execute(ctx, rpc.ExecuteRequest{
		Command:  strings.Join(args, " "),
		Response: v.GetString("response"),
		WithID:   v.GetBool("id"),
		Timeout:  v.GetDuration("command-timeout"),
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp)
	return nil
}

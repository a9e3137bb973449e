package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's Skype session and watchers",
		Long: `Displays the daemon's transport, attach status, negotiated protocol and the
clients currently watching notifications.

The request goes to the local daemon over the IPC socket. Pass --host to
target a daemon over TCP.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v, false) },
	}
	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)
	return cmd
}

func newConnectCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Attach the daemon to Skype now",
		Long: `Asks the daemon to discover Skype and run the attach handshake without
waiting for the next retry. With --force the current peer is dropped first.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v, true) },
	}
	f := cmd.Flags()
	f.Bool("force", false, "forget the current peer and rediscover")
	f.Bool("json", false, "output raw JSON")
	addClientFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper, connect bool) error {
	conn, err := dialDaemon(v)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := commandContext(cmd, v)
	defer cancel()

	var st *structpb.Struct
	if connect {
		st, err = conn.Connect(ctx, v.GetBool("force"))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	} else {
		st, err = conn.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if v.GetBool("json") {
		enc, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(enc))
		return nil
	}
	printStatus(out, st.AsMap(), conn.route, v.GetString("source"))
	return nil
}

func printStatus(out io.Writer, m map[string]any, route, mySource string) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Route:\t%s\n", route)
	fmt.Fprintf(w, "Transport:\t%s\n", str(m["transport"]))
	fmt.Fprintf(w, "Status:\t%s\n", str(m["status"]))
	if p := str(m["peer"]); p != "-" {
		fmt.Fprintf(w, "Peer:\t%s\n", p)
	}
	if p, ok := m["protocol"].(float64); ok && p > 0 {
		fmt.Fprintf(w, "Protocol:\t%d\n", int(p))
	}
	if t, ok := parseTime(m["attached_at"]); ok {
		fmt.Fprintf(w, "Attached:\t%s (%s)\n", t.UTC().Format(time.RFC3339), fmtAge(t))
	}
	fmt.Fprintf(w, "Loop:\t%s\n", str(m["loop"]))
	if p := str(m["install_path"]); p != "-" {
		fmt.Fprintf(w, "Install:\t%s\n", p)
	}
	if n, ok := m["published"].(float64); ok {
		fmt.Fprintf(w, "Published:\t%d\n", int64(n))
	}
	if last, ok := m["last_notification"].(map[string]any); ok {
		fmt.Fprintf(w, "Last:\t%s\n", str(last["text"]))
	}
	fmt.Fprintln(w)
	_ = w.Flush()

	subs, _ := m["subscribers"].([]any)
	if len(subs) == 0 {
		fmt.Fprintln(out, "No watchers connected.")
		return
	}

	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "\tSOURCE\tADDR\tKIND\tPREFIXES\tCONNECTED\tLAST SEEN\tDROPPED\n")
	_, _ = fmt.Fprintf(tw, "\t------\t----\t----\t--------\t---------\t---------\t-------\n")
	for _, s := range subs {
		p, ok := s.(map[string]any)
		if !ok {
			continue
		}
		prefixes := "*"
		if list, ok := p["prefixes"].([]any); ok && len(list) > 0 {
			parts := make([]string, len(list))
			for i, x := range list {
				parts[i] = str(x)
			}
			prefixes = strings.Join(parts, ",")
		}
		marker := ""
		if str(p["source"]) == mySource {
			marker = "*"
		}
		dropped, _ := p["dropped"].(float64)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			marker, str(p["source"]), str(p["addr"]), str(p["kind"]), prefixes,
			ageOf(p["connected_at"]), ageOf(p["last_seen"]), int64(dropped),
		)
	}
	_ = tw.Flush()
}

func str(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "-"
	}
	return s
}

func parseTime(v any) (time.Time, bool) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func ageOf(v any) string {
	t, ok := parseTime(v)
	if !ok {
		return "-"
	}
	return fmtAge(t)
}

func fmtAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Format("15:04:05")
}

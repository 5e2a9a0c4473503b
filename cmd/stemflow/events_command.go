package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/events"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var (
		follow bool
		since  uint64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print daemon events and log records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				out := cmd.OutOrStdout()
				cursor := since
				for {
					resp, err := client.Events(cmd.Context(), cursor, limit, follow)
					if err != nil {
						return err
					}
					for _, evt := range resp.Events {
						printEvent(out, evt)
					}
					cursor = resp.Next
					if !follow {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().Uint64Var(&since, "since", 0, "Only events after this sequence number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum events per fetch")
	return cmd
}

func printEvent(out io.Writer, evt events.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %-15s", evt.Sequence, evt.Timestamp.Format("15:04:05.000"), evt.Type)
	switch evt.Type {
	case events.TypeLog:
		fmt.Fprintf(&b, " %-5s %s", strings.ToUpper(evt.Level), evt.Message)
		if evt.Component != "" {
			fmt.Fprintf(&b, " component=%s", evt.Component)
		}
		keys := make([]string, 0, len(evt.Fields))
		for k := range evt.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, evt.Fields[k])
		}
	case events.TypeTaskState, events.TypeTaskProgress:
		fmt.Fprintf(&b, " %s %s %s", evt.TaskID, evt.TaskName, evt.State)
		if !evt.Indeterminate {
			fmt.Fprintf(&b, " %d%%", evt.Progress)
		}
		if evt.Stage != "" {
			fmt.Fprintf(&b, " (%s)", evt.Stage)
		}
	default:
		fmt.Fprintf(&b, " %s %s %d/%d", evt.SessionID, evt.State, evt.Done, evt.Total)
	}
	if evt.Error != "" {
		fmt.Fprintf(&b, " error=%q", evt.Error)
	}
	fmt.Fprintln(out, b.String())
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/journal"
	"stemflow/internal/logging"
)

const offlineHistoryLimit = 200

func newTasksCommand(ctx *commandContext) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "List and cancel reconstruction tasks",
	}
	tasksCmd.AddCommand(newTasksListCommand(ctx))
	tasksCmd.AddCommand(newTasksCancelCommand(ctx))
	tasksCmd.AddCommand(newTasksClearCommand(ctx))
	return tasksCmd
}

func newTasksListCommand(ctx *commandContext) *cobra.Command {
	var history, jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks; reads the journal when the daemon is down",
		RunE: func(cmd *cobra.Command, args []string) error {
			views, offline, err := listTasks(cmd.Context(), ctx, history)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, api.TaskListResponse{Tasks: views})
			}
			out := cmd.OutOrStdout()
			if offline {
				fmt.Fprintln(out, "Daemon not running; showing journaled tasks")
			}
			renderTasks(out, views, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Include tasks from earlier daemon runs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func listTasks(cmdCtx context.Context, ctx *commandContext, history bool) ([]api.TaskView, bool, error) {
	addr, err := ctx.apiAddress()
	if err != nil {
		return nil, false, err
	}
	views, err := api.NewClient(addr).Tasks(cmdCtx, history)
	if err == nil {
		return views, false, nil
	}
	if !api.IsUnavailable(err) {
		return nil, false, err
	}
	cfg, cfgErr := ctx.ensureConfig()
	if cfgErr != nil {
		return nil, false, cfgErr
	}
	if !cfg.Tasks.JournalEnabled {
		return nil, false, wrapDialError(err, addr)
	}
	store, openErr := journal.Open(cfg.JournalPath(), logging.NewNop())
	if openErr != nil {
		return nil, false, fmt.Errorf("open task journal: %w", openErr)
	}
	defer store.Close()
	infos, listErr := store.List(cmdCtx, offlineHistoryLimit)
	if listErr != nil {
		return nil, false, listErr
	}
	return api.FromTaskInfos(infos), true, nil
}

func newTasksCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a waiting task or abort the running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.CancelTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s\n", resp.ID, resp.State)
				return nil
			})
		},
	}
}

func newTasksClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete finished tasks from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg.JournalPath(), logging.NewNop())
			if err != nil {
				return fmt.Errorf("open task journal: %w", err)
			}
			defer store.Close()
			n, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished task(s)\n", n)
			return nil
		},
	}
}

func renderTasks(out io.Writer, views []api.TaskView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(out, "No tasks")
		return
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		progress := ""
		if v.HasProgress {
			progress = fmt.Sprintf("%d%%", v.Progress)
		}
		step := v.Step
		if step != "" && v.Steps > 0 {
			step = fmt.Sprintf("%s %d/%d", step, v.StepIndex+1, v.Steps)
		}
		rows = append(rows, []string{v.ID, v.Name, v.StateLabel, progress, step, relativeTime(v.CreatedAt, now), v.Error})
	}
	fmt.Fprintln(out, renderTable([]column{
		{header: "ID"},
		{header: "Name"},
		{header: "State"},
		{header: "Progress", align: alignRight},
		{header: "Step"},
		{header: "Created"},
		{header: "Error"},
	}, rows))
}

func relativeTime(value string, now time.Time) string {
	if value == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

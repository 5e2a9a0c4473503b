package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/journal"
	"stemflow/internal/logging"
	"stemflow/internal/preflight"
	"stemflow/internal/task"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, task and acquisition status",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ctx.apiAddress()
			if err != nil {
				return err
			}
			status, err := api.NewClient(addr).Status(cmd.Context())
			if err != nil && !api.IsUnavailable(err) {
				return err
			}
			if err != nil {
				status, err = offlineStatus(cmd.Context(), ctx)
				if err != nil {
					return err
				}
			}
			if jsonOut {
				return writeJSON(cmd, status)
			}
			renderDaemonStatus(cmd.OutOrStdout(), addr, status, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

// offlineStatus assembles what can be known without a daemon: preflight and
// journal counts.
func offlineStatus(cmdCtx context.Context, ctx *commandContext) (api.DaemonStatus, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return api.DaemonStatus{}, err
	}
	status := api.DaemonStatus{
		LockFilePath: cfg.LockPath(),
		Preflight:    api.FromPreflight(preflight.RunAll(cfg)),
		Workflow:     api.WorkflowStatus{Finished: map[string]int{}},
	}
	if !cfg.Tasks.JournalEnabled {
		return status, nil
	}
	store, err := journal.Open(cfg.JournalPath(), logging.NewNop())
	if err != nil {
		return status, nil
	}
	defer store.Close()
	status.JournalPath = store.Path()
	counts, err := store.Stats(cmdCtx)
	if err != nil {
		return status, nil
	}
	for state, n := range counts {
		if state.Terminal() {
			status.Workflow.Finished[string(state)] = n
		}
	}
	return status, nil
}

func renderDaemonStatus(out io.Writer, addr string, status api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	if status.Running {
		fmt.Fprintln(out, renderStatusLine("stemflowd", statusOK, fmt.Sprintf("running (pid %d) on %s", status.PID, addr), colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("stemflowd", statusWarn, "not running", colorize))
	}
	if status.JournalPath != "" {
		fmt.Fprintln(out, renderStatusLine("Journal", statusInfo, status.JournalPath, colorize))
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Tasks", colorize) {
		fmt.Fprintln(out, line)
	}
	wf := status.Workflow
	if wf.Current != nil {
		msg := fmt.Sprintf("%s %s", wf.Current.Name, wf.Current.ID)
		if wf.Current.HasProgress {
			msg += fmt.Sprintf(" %d%%", wf.Current.Progress)
		}
		if wf.Current.Step != "" {
			msg += " (" + wf.Current.Step + ")"
		}
		fmt.Fprintln(out, renderStatusLine("Current", statusInfo, msg, colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Waiting", statusInfo, fmt.Sprintf("%d", wf.Waiting), colorize))
	states := make([]string, 0, len(wf.Finished))
	for state := range wf.Finished {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		kind := statusOK
		if state == "excepted" {
			kind = statusError
		} else if state != "completed" {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(task.State(state).Label(), kind, fmt.Sprintf("%d", wf.Finished[state]), colorize))
	}
	if wf.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, wf.LastError, colorize))
	}

	if ing := status.Ingest; ing != nil {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Acquisition", colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out, renderStatusLine("Session", ingestKind(ing.State), ingestSummary(*ing), colorize))
		fmt.Fprintln(out, renderStatusLine("Target", statusInfo, ing.StorePath+":"+ing.Dataset, colorize))
		if ing.Error != "" {
			fmt.Fprintln(out, renderStatusLine("Error", statusError, ing.Error, colorize))
		}
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Checks", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, check := range status.Preflight {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
}

func ingestKind(state string) statusKind {
	switch state {
	case "completed":
		return statusOK
	case "failed":
		return statusError
	case "cancelled":
		return statusWarn
	default:
		return statusInfo
	}
}

func ingestSummary(ing api.IngestStatus) string {
	state := ing.State
	if ing.Paused && state == "running" {
		state = "paused"
	}
	pct := 0.0
	if ing.FramesTotal > 0 {
		pct = 100 * float64(ing.FramesWritten) / float64(ing.FramesTotal)
	}
	return fmt.Sprintf("%s %d/%d frames (%.0f%%)", state, ing.FramesWritten, ing.FramesTotal, pct)
}

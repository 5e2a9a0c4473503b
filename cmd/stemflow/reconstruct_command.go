package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newReconstructCommand(ctx *commandContext) *cobra.Command {
	var (
		req  api.ReconstructRequest
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "reconstruct <kind> <input> [input]",
		Short: "Queue a derived-image task",
		Long: `Queue a derived-image task on the daemon.

Kinds:
  virtual-image   integrate a 4D dataset over an annulus (--inner, --outer)
  export-fits     write a stored image to a FITS file (--dest)
  transpose, rotate90, subtract-mean
                  single-image kernels
  magnitude, difference
                  two-image kernels`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Kind = args[0]
			req.Inputs = args[1:]
			return ctx.withClient(func(client *api.Client) error {
				view, err := client.Reconstruct(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Queued %s task %s\n", view.Name, view.ID)
				if !wait {
					return nil
				}
				return waitForTask(cmd.Context(), client, view.ID, out)
			})
		},
	}
	cmd.Flags().StringVar(&req.Store, "store", "", "Store name or path")
	cmd.Flags().StringVarP(&req.Output, "output", "o", "", "Result name (relative names go under /Reconstruction)")
	cmd.Flags().StringVar(&req.Dest, "dest", "", "Destination file for export-fits")
	cmd.Flags().Float64Var(&req.InnerRadius, "inner", 0, "Annulus inner radius")
	cmd.Flags().Float64Var(&req.OuterRadius, "outer", 0, "Annulus outer radius")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the task to finish")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func waitForTask(ctx context.Context, client *api.Client, id string, out io.Writer) error {
	p := newProgress(out, "Waiting for task "+id)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		tasks, err := client.Tasks(ctx, false)
		if err != nil {
			p.done("Lost contact with daemon", false)
			return err
		}
		view, ok := findTask(tasks, id)
		if !ok {
			p.done("Task "+id+" is no longer tracked", false)
			return fmt.Errorf("task %s not found", id)
		}
		line := taskLine(view)
		switch view.State {
		case "completed":
			p.done(line, true)
			return nil
		case "excepted":
			p.done(line, false)
			return fmt.Errorf("task %s failed: %s", id, view.Error)
		case "aborted", "cancelled":
			p.done(line, false)
			return nil
		}
		p.update(line)
		select {
		case <-ctx.Done():
			p.done(line, false)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func findTask(tasks []api.TaskView, id string) (api.TaskView, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return api.TaskView{}, false
}

func taskLine(view api.TaskView) string {
	line := fmt.Sprintf("%s [%s]", view.Name, view.StateLabel)
	if view.HasProgress {
		line += fmt.Sprintf(" %d%%", view.Progress)
	}
	if view.Step != "" {
		line += fmt.Sprintf(" %s (%d/%d)", view.Step, view.StepIndex+1, view.Steps)
	}
	if view.Error != "" {
		line += ": " + view.Error
	}
	return line
}

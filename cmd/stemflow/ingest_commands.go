package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

const followInterval = 250 * time.Millisecond

func newIngestCommand(ctx *commandContext) *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stream a raw acquisition into a store",
	}
	ingestCmd.AddCommand(newIngestStartCommand(ctx))
	ingestCmd.AddCommand(newIngestStatusCommand(ctx))
	ingestCmd.AddCommand(newIngestActionCommand(ctx, "pause", "Pause reading and writing", (*api.Client).PauseIngest))
	ingestCmd.AddCommand(newIngestActionCommand(ctx, "resume", "Resume a paused session", (*api.Client).ResumeIngest))
	ingestCmd.AddCommand(newIngestActionCommand(ctx, "stop", "Cancel the session; written frames are kept", (*api.Client).StopIngest))
	return ingestCmd
}

func newIngestStartCommand(ctx *commandContext) *cobra.Command {
	var (
		req       api.IngestRequest
		noPreview bool
		inner     float64
		outer     float64
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "start <raw-file>",
		Short: "Start an acquisition session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RawPath = args[0]
			if noPreview {
				enabled := false
				req.Preview = &enabled
			}
			if cmd.Flags().Changed("inner") {
				req.InnerRadius = &inner
			}
			if cmd.Flags().Changed("outer") {
				req.OuterRadius = &outer
			}
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.StartIngest(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Session %s: %s -> %s:%s\n", status.SessionID, status.RawPath, status.StorePath, status.Dataset)
				if !follow {
					return nil
				}
				return followIngest(cmd.Context(), client, out)
			})
		},
	}
	cmd.Flags().StringVar(&req.DescriptorPath, "descriptor", "", "Descriptor file (defaults to the raw file with .xml)")
	cmd.Flags().StringVar(&req.Store, "store", "", "Target store name or path (defaults to the raw file name)")
	cmd.Flags().StringVar(&req.Dataset, "dataset", "", "Dataset name inside the store")
	cmd.Flags().BoolVar(&noPreview, "no-preview", false, "Disable the live preview")
	cmd.Flags().Float64Var(&inner, "inner", 0, "Preview annulus inner radius")
	cmd.Flags().Float64Var(&outer, "outer", 0, "Preview annulus outer radius")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Wait for the session to finish")
	return cmd
}

func newIngestStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var follow bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current or last session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if follow {
					return followIngest(cmd.Context(), client, cmd.OutOrStdout())
				}
				status, err := client.Ingest(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, status)
				}
				printIngest(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Wait for the session to finish")
	return cmd
}

type ingestAction func(*api.Client, context.Context) (api.IngestStatus, error)

func newIngestActionCommand(ctx *commandContext, use, short string, action ingestAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := action(client, cmd.Context())
				if err != nil {
					return err
				}
				printIngest(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func followIngest(ctx context.Context, client *api.Client, out io.Writer) error {
	p := newProgress(out, "Waiting for session")
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		status, err := client.Ingest(ctx)
		if err != nil {
			p.done("Lost contact with daemon", false)
			return err
		}
		summary := ingestSummary(status)
		switch status.State {
		case "completed":
			p.done(summary, true)
			return nil
		case "failed":
			p.done(summary+": "+status.Error, false)
			return fmt.Errorf("ingest failed: %s", status.Error)
		case "cancelled":
			p.done(summary, false)
			return nil
		}
		p.update(summary)
		select {
		case <-ctx.Done():
			p.done(summary, false)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printIngest(out io.Writer, status api.IngestStatus) {
	rows := [][]string{
		{"Session", status.SessionID},
		{"State", ingestSummary(status)},
		{"Store", status.StorePath},
		{"Dataset", status.Dataset},
		{"Shape", joinInts(status.Shape[:])},
		{"Read", fmt.Sprintf("%d", status.FramesRead)},
		{"Preview", fmt.Sprintf("%d (%d dropped)", status.PreviewFrames, status.PreviewDrops)},
		{"Started", status.StartedAt},
	}
	if status.EndedAt != "" {
		rows = append(rows, []string{"Ended", status.EndedAt})
	}
	if status.Error != "" {
		rows = append(rows, []string{"Error", status.Error})
	}
	fmt.Fprintln(out, renderTable([]column{{header: "Field"}, {header: "Value"}}, rows))
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newPreviewCommand(ctx *commandContext) *cobra.Command {
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Inspect the live annular preview",
	}
	previewCmd.AddCommand(newPreviewShowCommand(ctx))
	previewCmd.AddCommand(newPreviewSaveCommand(ctx))
	previewCmd.AddCommand(newPreviewRadiiCommand(ctx))
	return previewCmd
}

func newPreviewShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print preview statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				pv, err := client.Preview(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, pv)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%dx%d image, %d frames, annulus %.1f-%.1f, range [%g, %g]\n",
					pv.Rows, pv.Cols, pv.Frames, pv.InnerRadius, pv.OuterRadius, pv.Min, pv.Max)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON including pixels")
	return cmd
}

func newPreviewSaveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "save <file.fits>",
		Short: "Write the preview image as FITS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := client.PreviewFITS(cmd.Context(), f); err != nil {
					_ = f.Close()
					_ = os.Remove(args[0])
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", args[0])
				return nil
			})
		},
	}
}

func newPreviewRadiiCommand(ctx *commandContext) *cobra.Command {
	var inner, outer float64
	cmd := &cobra.Command{
		Use:   "radii",
		Short: "Change the preview annulus",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.PreviewRadiiRequest
			if cmd.Flags().Changed("inner") {
				req.InnerRadius = &inner
			}
			if cmd.Flags().Changed("outer") {
				req.OuterRadius = &outer
			}
			if req.InnerRadius == nil && req.OuterRadius == nil {
				return fmt.Errorf("set --inner and/or --outer")
			}
			return ctx.withClient(func(client *api.Client) error {
				pv, err := client.SetPreviewRadii(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Annulus now %.1f-%.1f\n", pv.InnerRadius, pv.OuterRadius)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&inner, "inner", 0, "Inner radius in pixels")
	cmd.Flags().Float64Var(&outer, "outer", 0, "Outer radius in pixels")
	return cmd
}

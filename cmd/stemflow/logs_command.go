package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"stemflow/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, "stemflowd.log")
			out := cmd.OutOrStdout()
			if !follow {
				tail, _, err := logs.Last(path, lines)
				if err != nil {
					return err
				}
				if len(tail) == 0 {
					fmt.Fprintf(out, "No log output at %s\n", path)
				}
				for _, line := range tail {
					fmt.Fprintln(out, line)
				}
				return nil
			}
			err = logs.Follow(cmd.Context(), path, lines, followInterval, func(line string) {
				fmt.Fprintln(out, line)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new log lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	return cmd
}

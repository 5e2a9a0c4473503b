package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stemflow/internal/config"
	"stemflow/internal/daemonrun"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevel string

	return newRootCommandWith(&configFlag, &logLevel, daemonrun.Run)
}

type runFunc func(context.Context, *config.Config, daemonrun.Options) error

func newRootCommandWith(configFlag, logLevel *string, run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stemflowd",
		Short:         "stemflow acquisition daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(strings.TrimSpace(*configFlag))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg, daemonrun.Options{LogLevel: *logLevel})
		},
	}
	cmd.Flags().StringVarP(configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

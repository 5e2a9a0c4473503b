package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"stemflow/internal/config"
	"stemflow/internal/daemon"
	"stemflow/internal/logging"
	"stemflow/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Ready, when set, receives the bound API address once the daemon runs.
	Ready func(addr string)
}

// Run starts the stemflow daemon and blocks until ctx ends or SIGINT/SIGTERM
// arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := newRunID(time.Now())
	logger, logPath, err := logging.NewFromConfig(cfg, logging.RunOptions{
		Binary:      "stemflowd",
		RunID:       runID,
		Level:       opts.LogLevel,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update stemflowd.log link: %v\n", err)
	}
	logEnvironmentSnapshot(logger, cfg)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check the data directory, lock file and api bind address"),
		)
		return err
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	if opts.Ready != nil {
		opts.Ready(d.APIAddress())
	}

	<-signalCtx.Done()
	logger.Info("stemflow daemon shutting down")
	d.Stop()
	return nil
}

// newRunID names one daemon run. It sorts by start time and is used both in
// the log file name and as the run_id log field.
func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "stemflowd.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logEnvironmentSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	free, err := preflight.FreeBytes(cfg.Paths.DataDir)
	attrs := []any{
		logging.String(logging.FieldEventType, "environment_snapshot"),
		logging.String("data_dir", cfg.Paths.DataDir),
		logging.String("api_bind", cfg.API.Bind),
		logging.Int("channel_capacity", cfg.Ingest.ChannelCapacity),
		logging.Bool("preview_enabled", cfg.Preview.Enabled),
		logging.Bool("journal_enabled", cfg.Tasks.JournalEnabled),
	}
	if err == nil {
		attrs = append(attrs, logging.Int64("data_free_bytes", int64(free)))
	}
	logger.Info("environment snapshot", attrs...)
}

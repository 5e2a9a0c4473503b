package logging

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"stemflow/internal/config"
)

// RunOptions names one process run for NewFromConfig.
type RunOptions struct {
	Binary      string
	RunID       string
	Level       string
	Development bool
}

// NewFromConfig builds a process logger from cfg. Records go to the console
// and to <log_dir>/<binary>-<run_id>.log, and every line carries run_id so
// it can be matched to that file. It returns the log file path.
func NewFromConfig(cfg *config.Config, run RunOptions) (*slog.Logger, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("config is required")
	}
	binary := strings.TrimSpace(run.Binary)
	if binary == "" {
		binary = "stemflow"
	}
	if strings.TrimSpace(run.RunID) == "" {
		return nil, "", fmt.Errorf("run id is required")
	}
	level := run.Level
	if level == "" {
		level = cfg.Logging.Level
	}
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("%s-%s.log", binary, run.RunID))
	logger, err := New(Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      run.Development,
	})
	if err != nil {
		return nil, "", err
	}
	return logger.With(String(FieldRunID, run.RunID)), logPath, nil
}

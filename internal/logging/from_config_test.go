package logging_test

import (
	"os"
	"strings"
	"testing"

	"stemflow/internal/config"
	"stemflow/internal/logging"
)

func TestNewFromConfigTagsRunAndNamesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Format = "json"

	logger, path, err := logging.NewFromConfig(&cfg, logging.RunOptions{Binary: "stemflowd", RunID: "20260101T000000Z-abcd1234"})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if !strings.HasSuffix(path, "stemflowd-20260101T000000Z-abcd1234.log") {
		t.Fatalf("unexpected log path %q", path)
	}
	logger.Info("daemon started")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), `"run_id":"20260101T000000Z-abcd1234"`) {
		t.Fatalf("expected run_id in %q", content)
	}
}

func TestNewFromConfigRequiresRunID(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	if _, _, err := logging.NewFromConfig(&cfg, logging.RunOptions{}); err == nil {
		t.Fatal("expected error without run id")
	}
	if _, _, err := logging.NewFromConfig(nil, logging.RunOptions{RunID: "x"}); err == nil {
		t.Fatal("expected error without config")
	}
}

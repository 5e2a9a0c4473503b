package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"stemflow/internal/config"
	"stemflow/internal/daemonrun"
)

func TestRootCommandPassesConfigAndLevel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stemflow.toml")
	body := "[paths]\ndata_dir = \"" + filepath.Join(dir, "data") + "\"\nlog_dir = \"" + filepath.Join(dir, "logs") + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var configFlag, logLevel string
	var got *config.Config
	var gotOpts daemonrun.Options
	cmd := newRootCommandWith(&configFlag, &logLevel, func(_ context.Context, cfg *config.Config, opts daemonrun.Options) error {
		got = cfg
		gotOpts = opts
		return nil
	})
	cmd.SetArgs([]string{"--config", cfgPath, "--log-level", "debug"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got == nil || got.Paths.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected config %+v", got)
	}
	if gotOpts.LogLevel != "debug" {
		t.Fatalf("log level = %q", gotOpts.LogLevel)
	}
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(cfgPath, []byte("[paths\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var configFlag, logLevel string
	cmd := newRootCommandWith(&configFlag, &logLevel, func(context.Context, *config.Config, daemonrun.Options) error {
		t.Fatal("run must not be called")
		return nil
	})
	cmd.SetArgs([]string{"--config", cfgPath})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected config error")
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"stemflow/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "stemflow")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.LogDir != filepath.Join(wantData, "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if cfg.API.Bind != "127.0.0.1:7611" {
		t.Fatalf("unexpected api bind: %q", cfg.API.Bind)
	}
	if cfg.Ingest.ChannelCapacity != config.Default().Ingest.ChannelCapacity {
		t.Fatalf("unexpected channel capacity: %d", cfg.Ingest.ChannelCapacity)
	}
	if cfg.Ingest.FrameGapBytes != 1024 {
		t.Fatalf("expected EMPAD frame gap default, got %d", cfg.Ingest.FrameGapBytes)
	}
	if !cfg.Preview.Enabled {
		t.Fatal("expected preview enabled by default")
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.JournalPath() != filepath.Join(wantData, "tasks.db") {
		t.Fatalf("unexpected journal path: %q", cfg.JournalPath())
	}
}

func TestEnsureDirectoriesCreatesPaths(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "stemflow.toml")

	type payload struct {
		Paths struct {
			DataDir string `toml:"data_dir"`
		} `toml:"paths"`
		Ingest struct {
			ChannelCapacity int `toml:"channel_capacity"`
			FrameGapBytes   int `toml:"frame_gap_bytes"`
		} `toml:"ingest"`
		Preview struct {
			Enabled     bool    `toml:"enabled"`
			InnerRadius float64 `toml:"inner_radius"`
			OuterRadius float64 `toml:"outer_radius"`
		} `toml:"preview"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}
	custom := payload{}
	custom.Paths.DataDir = filepath.Join(tempDir, "data")
	custom.Ingest.ChannelCapacity = 16
	custom.Ingest.FrameGapBytes = 0
	custom.Preview.Enabled = false
	custom.Preview.InnerRadius = 2
	custom.Preview.OuterRadius = 8
	custom.Logging.Format = "JSON"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Paths.DataDir != custom.Paths.DataDir {
		t.Fatalf("expected data dir from file, got %q", cfg.Paths.DataDir)
	}
	if cfg.Ingest.ChannelCapacity != 16 {
		t.Fatalf("expected channel capacity 16, got %d", cfg.Ingest.ChannelCapacity)
	}
	if cfg.Ingest.FrameGapBytes != 0 {
		t.Fatalf("expected frame gap override 0, got %d", cfg.Ingest.FrameGapBytes)
	}
	if cfg.Preview.Enabled {
		t.Fatal("expected preview disabled")
	}
	if cfg.Preview.OuterRadius != 8 {
		t.Fatalf("expected outer radius 8, got %v", cfg.Preview.OuterRadius)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized json format, got %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero capacity", func(c *config.Config) { c.Ingest.ChannelCapacity = 0 }, "ingest.channel_capacity"},
		{"negative gap", func(c *config.Config) { c.Ingest.FrameGapBytes = -1 }, "ingest.frame_gap_bytes"},
		{"inverted radii", func(c *config.Config) { c.Preview.InnerRadius, c.Preview.OuterRadius = 10, 5 }, "preview.outer_radius"},
		{"bad bind", func(c *config.Config) { c.API.Bind = "localhost" }, "api.bind"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.Ingest.ChannelCapacity != 2048 {
		t.Fatalf("unexpected sample channel capacity: %d", cfg.Ingest.ChannelCapacity)
	}
}

func TestResolveStorePath(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = "/data"

	got, err := cfg.ResolveStorePath("run-01")
	if err != nil {
		t.Fatalf("ResolveStorePath returned error: %v", err)
	}
	if got != filepath.Join("/data", "run-01.stem") {
		t.Fatalf("unexpected store path: %q", got)
	}
	got, err = cfg.ResolveStorePath("/abs/run.stem")
	if err != nil {
		t.Fatalf("ResolveStorePath returned error: %v", err)
	}
	if got != "/abs/run.stem" {
		t.Fatalf("unexpected absolute store path: %q", got)
	}
	if _, err := cfg.ResolveStorePath("  "); err == nil {
		t.Fatal("expected error for empty store path")
	}
}

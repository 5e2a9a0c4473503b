package testsupport

import (
	"path/filepath"
	"testing"

	"stemflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Ingest.MinFreeBytes = 0
	cfgVal.Ingest.EventRatePerSecond = 1000

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithChannelCapacity overrides the ingest channel capacity.
func WithChannelCapacity(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.ChannelCapacity = n
	}
}

// WithPreviewRadii sets the preview annulus.
func WithPreviewRadii(inner, outer float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Preview.InnerRadius = inner
		b.cfg.Preview.OuterRadius = outer
	}
}

// WithoutJournal disables task journal persistence.
func WithoutJournal() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Tasks.JournalEnabled = false
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeIngest()
	c.normalizeTasks()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	return nil
}

func (c *Config) normalizeIngest() {
	if c.Ingest.ChunkScanI <= 0 {
		c.Ingest.ChunkScanI = defaultChunkScan
	}
	if c.Ingest.ChunkScanJ <= 0 {
		c.Ingest.ChunkScanJ = defaultChunkScan
	}
	if c.Ingest.ProgressBucket <= 0 {
		c.Ingest.ProgressBucket = defaultProgressBucket
	}
	if c.Ingest.EventRatePerSecond <= 0 {
		c.Ingest.EventRatePerSecond = defaultEventRatePerSecond
	}
	if c.Ingest.MinFreeBytes < 0 {
		c.Ingest.MinFreeBytes = 0
	}
}

func (c *Config) normalizeTasks() {
	if c.Tasks.EventBuffer <= 0 {
		c.Tasks.EventBuffer = defaultEventBuffer
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

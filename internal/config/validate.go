package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validatePreview(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateIngest() error {
	if err := ensurePositiveMap(map[string]int{
		"ingest.channel_capacity": c.Ingest.ChannelCapacity,
		"ingest.chunk_scan_i":     c.Ingest.ChunkScanI,
		"ingest.chunk_scan_j":     c.Ingest.ChunkScanJ,
	}); err != nil {
		return err
	}
	if c.Ingest.FrameGapBytes < 0 {
		return errors.New("ingest.frame_gap_bytes must be >= 0")
	}
	if c.Ingest.ProgressBucket > 100 {
		return errors.New("ingest.progress_bucket must be at most 100")
	}
	return nil
}

func (c *Config) validatePreview() error {
	if c.Preview.InnerRadius < 0 {
		return errors.New("preview.inner_radius must be >= 0")
	}
	if c.Preview.OuterRadius <= c.Preview.InnerRadius {
		return errors.New("preview.outer_radius must be greater than preview.inner_radius")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Bind == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("api.bind: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

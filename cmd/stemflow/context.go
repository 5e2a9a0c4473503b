package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/config"
)

type commandContext struct {
	addrFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) apiAddress() (string, error) {
	if c.addrFlag != nil {
		if addr := strings.TrimSpace(*c.addrFlag); addr != "" {
			return addr, nil
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.API.Bind) == "" {
		return "", fmt.Errorf("api.bind is empty; set it in the config or pass --addr")
	}
	return cfg.API.Bind, nil
}

func (c *commandContext) withClient(fn func(*api.Client) error) error {
	addr, err := c.apiAddress()
	if err != nil {
		return err
	}
	return wrapDialError(fn(api.NewClient(addr)), addr)
}

func wrapDialError(err error, addr string) error {
	if api.IsUnavailable(err) {
		return fmt.Errorf("connect to daemon at %s: %w; start it with `stemflow daemon start`", addr, err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

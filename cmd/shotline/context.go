package main

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"shotline/internal/config"
	"shotline/internal/logging"
	"shotline/internal/services/portal"
	"shotline/internal/settings"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// configPath returns the --config flag value, or "" when unset.
func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	c.loggerOnce.Do(func() {
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger, nil
}

func (c *commandContext) portalClient() (*portal.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, _ := c.ensureLogger()
	return portal.NewClient(portal.Options{
		BaseURL:        cfg.Portal.BaseURL,
		RequestTimeout: time.Duration(cfg.Portal.RequestTimeout) * time.Second,
		UploadTimeout:  time.Duration(cfg.Portal.UploadTimeout) * time.Second,
	}, logger), nil
}

// session loads the login session document. A nil session means logged out.
func (c *commandContext) session() (*settings.Session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	session, err := settings.Load(cfg.SessionPath())
	if err != nil {
		// Corrupt session documents mean logged out, not a hard failure.
		if logger, lerr := c.ensureLogger(); lerr == nil {
			logger.Warn("ignoring unreadable session document", logging.Error(err))
		}
		return nil, nil
	}
	return session, nil
}

package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePortal()
	c.normalizeUpload()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeUpload() {
	c.Upload.ArchiveExt = strings.ToLower(strings.TrimSpace(c.Upload.ArchiveExt))
	if c.Upload.ArchiveExt == "" {
		c.Upload.ArchiveExt = defaultArchiveExt
	}
	if !strings.HasPrefix(c.Upload.ArchiveExt, ".") {
		c.Upload.ArchiveExt = "." + c.Upload.ArchiveExt
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.SessionDir, err = expandPath(c.Paths.SessionDir); err != nil {
		return fmt.Errorf("paths.session_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePortal() {
	c.Portal.BaseURL = strings.TrimRight(strings.TrimSpace(c.Portal.BaseURL), "/")
	if c.Portal.RequestTimeout <= 0 {
		c.Portal.RequestTimeout = defaultRequestTimeout
	}
	if c.Portal.UploadTimeout <= 0 {
		c.Portal.UploadTimeout = defaultUploadTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

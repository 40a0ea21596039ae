package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shotline/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatalf("expected missing config at %s", resolved)
	}
	if cfg.Portal.BaseURL == "" {
		t.Fatal("expected default portal base URL")
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[portal]",
		`base_url = "https://portal.example.com/api/"`,
		"request_timeout = 0",
		"[logging]",
		`format = "JSON"`,
		`level = "Debug"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Portal.BaseURL != "https://portal.example.com/api" {
		t.Fatalf("base URL not trimmed: %q", cfg.Portal.BaseURL)
	}
	if cfg.Portal.RequestTimeout <= 0 {
		t.Fatalf("request timeout not defaulted: %d", cfg.Portal.RequestTimeout)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging not normalized: %+v", cfg.Logging)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad base url", "[portal]\nbase_url = \"not a url\""},
		{"bad log format", "[logging]\nformat = \"yaml\""},
		{"bad log level", "[logging]\nlevel = \"loud\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("sample config does not load: exists=%v err=%v", exists, err)
	}
}

func TestSessionPath(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.SessionDir = "/tmp/shotline-test"
	if got := cfg.SessionPath(); got != filepath.Join("/tmp/shotline-test", "session.json") {
		t.Fatalf("unexpected session path %q", got)
	}
}

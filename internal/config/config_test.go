package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sdsync/sdsync/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sdsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
upload:
  mode: scheduled
  start_hour: 12
  end_hour: 14
backends:
  - name: nas
    type: smb
    address: 192.168.1.10:445
    share: backups
    username: sync
    password: secret
`

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upload.Mode != model.ModeScheduled {
		t.Errorf("expected scheduled mode, got %s", cfg.Upload.Mode)
	}
	if cfg.Upload.SilenceDuration.Duration() != 90*time.Second {
		t.Errorf("expected default silence 90s, got %s", cfg.Upload.SilenceDuration)
	}
	if cfg.Upload.PendingWindow.Duration() != 7*24*time.Hour {
		t.Errorf("expected default pending window 7d, got %s", cfg.Upload.PendingWindow)
	}
	if cfg.Upload.DataFolder != "DATALOG" {
		t.Errorf("expected default data folder DATALOG, got %s", cfg.Upload.DataFolder)
	}
	if cfg.Bus.MountPoint != "/mnt/card" {
		t.Errorf("expected default mount point, got %s", cfg.Bus.MountPoint)
	}
	if cfg.Ceiling() != 10*time.Minute {
		t.Errorf("expected default ceiling 10m, got %s", cfg.Ceiling())
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("NAS_PASS", "from-env")

	path := writeConfig(t, strings.Replace(minimalConfig, "password: secret", "password: ${NAS_PASS}", 1))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backends[0].Password != "from-env" {
		t.Errorf("expected password expanded from env, got %q", cfg.Backends[0].Password)
	}
}

func TestLoadDotEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("NAS_USER=dotenv-user\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	body := strings.Replace(minimalConfig, "username: sync", "username: ${NAS_USER}", 1)
	path := filepath.Join(dir, "sdsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backends[0].Username != "dotenv-user" {
		t.Errorf("expected username from .env, got %q", cfg.Backends[0].Username)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Upload.Mode = "eager" }},
		{"start hour out of range", func(c *Config) { c.Upload.StartHour = 24 }},
		{"empty scheduled window", func(c *Config) {
			c.Upload.Mode = model.ModeScheduled
			c.Upload.StartHour = 9
			c.Upload.EndHour = 9
		}},
		{"zero silence", func(c *Config) { c.Upload.SilenceDuration = 0 }},
		{"zero session ceiling", func(c *Config) { c.Upload.MaxSessionMinutes = 0 }},
		{"zero retry attempts", func(c *Config) { c.Upload.MaxRetryAttempts = 0 }},
		{"negative max age", func(c *Config) { c.Upload.MaxAgeDays = -1 }},
		{"no backends", func(c *Config) { c.Backends = nil }},
		{"duplicate backend", func(c *Config) {
			c.Backends = append(c.Backends, c.Backends[0])
		}},
		{"smb without share", func(c *Config) { c.Backends[0].Share = "" }},
		{"unknown backend type", func(c *Config) { c.Backends[0].Type = "ftp" }},
		{"empty catalog path", func(c *Config) { c.CatalogDB = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Backends = []BackendConfig{{
				Name: "nas", Type: "smb", Address: "host:445", Share: "s",
			}}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidateCloudBackend(t *testing.T) {
	cfg := defaults()
	cfg.Backends = []BackendConfig{{
		Name:    "cloud",
		Type:    "cloud",
		Address: "https://api.example.com",
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for cloud backend without credentials")
	}

	cfg.Backends[0].TokenURL = "https://api.example.com/oauth/token"
	cfg.Backends[0].ClientID = "id"
	cfg.Backends[0].Secret = "sec"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid cloud backend, got %v", err)
	}
}

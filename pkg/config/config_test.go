package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "tokenspeed.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hub.ListenAddr != ":8787" {
		t.Fatalf("unexpected listen addr %q", cfg.Hub.ListenAddr)
	}
	if cfg.Agent.BucketSeconds != 300 || cfg.Agent.FlushIntervalSeconds != 30 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
}

func TestLoadParsesFileAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenspeed.toml")
	content := `
[hub]
listen_addr = " :9000 "
invite_token = "invite-123"
allowed_devices = ["dev_a", " ", "dev_b"]
login_window_seconds = 5
login_max_attempts = 500

[agent]
hub_url = "https://hub.example.com/"
bucket_seconds = 10
flush_interval_seconds = 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hub.ListenAddr != ":9000" {
		t.Fatalf("expected trimmed listen addr, got %q", cfg.Hub.ListenAddr)
	}
	if len(cfg.Hub.AllowedDevices) != 2 {
		t.Fatalf("expected blank device entries dropped, got %v", cfg.Hub.AllowedDevices)
	}
	// Out-of-range limits snap back to defaults.
	if cfg.Hub.LoginWindowSeconds != 300 || cfg.Hub.LoginMaxAttempts != 10 {
		t.Fatalf("unexpected login limits: %d/%d", cfg.Hub.LoginWindowSeconds, cfg.Hub.LoginMaxAttempts)
	}
	if cfg.Agent.HubURL != "https://hub.example.com" {
		t.Fatalf("expected trailing slash stripped, got %q", cfg.Agent.HubURL)
	}
	if cfg.Agent.BucketSeconds != 300 || cfg.Agent.FlushIntervalSeconds != 30 {
		t.Fatalf("expected floors applied: %+v", cfg.Agent)
	}
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenspeed.toml")
	content := `
[hub]
admin_token = "from-file"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TS_HUB_ADMIN_TOKEN", "from-env")
	t.Setenv("TS_HUB_URL", "https://env-hub.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hub.AdminToken != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Hub.AdminToken)
	}
	if cfg.Agent.HubURL != "https://env-hub.example.com" {
		t.Fatalf("expected env hub url, got %q", cfg.Agent.HubURL)
	}
}

func TestValidateHub(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.ValidateHub(); err == nil {
		t.Fatal("expected error without signing key or invite token")
	}
	cfg.Hub.InviteToken = "invite-123"
	if err := cfg.ValidateHub(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Hub.TLS.Enabled = true
	if err := cfg.ValidateHub(); err == nil {
		t.Fatal("expected error for tls without domain")
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "tokenspeed.toml")
	if _, err := LoadOrCreate(path); err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file written: %v", err)
	}
}

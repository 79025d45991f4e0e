// Package config holds the TOML configuration for the tokenspeed CLI,
// covering both the hub and the local upload agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "tokenspeed.toml"

// TLSConfig enables autocert TLS for a public hub.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

// HubConfig configures the central hub.
type HubConfig struct {
	ListenAddr         string    `toml:"listen_addr"`
	DBPath             string    `toml:"db_path"`
	SigningKey         string    `toml:"signing_key,omitempty"`
	InviteToken        string    `toml:"invite_token,omitempty"`
	AdminToken         string    `toml:"admin_token,omitempty"`
	AllowedDevices     []string  `toml:"allowed_devices,omitempty"`
	LoginWindowSeconds int64     `toml:"login_window_seconds,omitempty"`
	LoginMaxAttempts   int       `toml:"login_max_attempts,omitempty"`
	TLS                TLSConfig `toml:"tls"`
}

// AgentConfig configures the device-local queue and upload dispatcher.
type AgentConfig struct {
	HubURL               string `toml:"hub_url"`
	DeviceID             string `toml:"device_id,omitempty"`
	DeviceLabel          string `toml:"device_label,omitempty"`
	AnonUserID           string `toml:"anon_user_id,omitempty"`
	InviteToken          string `toml:"invite_token,omitempty"`
	QueueDBPath          string `toml:"queue_db_path"`
	CredentialsPath      string `toml:"credentials_path"`
	BucketSeconds        int64  `toml:"bucket_seconds,omitempty"`
	FlushIntervalSeconds int64  `toml:"flush_interval_seconds,omitempty"`
}

// Config is the root of the TOML file.
type Config struct {
	Hub   HubConfig   `toml:"hub"`
	Agent AgentConfig `toml:"agent"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "tokenspeed", defaultConfigFileName)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tokenspeed"
	}
	return filepath.Join(home, ".local", "share", "tokenspeed")
}

func NewDefault() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Hub: HubConfig{
			ListenAddr: ":8787",
			DBPath:     filepath.Join(dataDir, "hub.sqlite"),
		},
		Agent: AgentConfig{
			QueueDBPath:          filepath.Join(dataDir, "queue.sqlite"),
			CredentialsPath:      filepath.Join(dataDir, "hub-credentials.json"),
			BucketSeconds:        300,
			FlushIntervalSeconds: 30,
		},
	}
}

// Load reads the config file, fills defaults and applies TS_HUB_* env
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// LoadOrCreate behaves like Load but writes the default file first when
// none exists.
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, NewDefault()); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// Save writes the config atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func envOverride(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func (c *Config) applyEnv() {
	envOverride(&c.Hub.SigningKey, "TS_HUB_SIGNING_KEY")
	envOverride(&c.Hub.InviteToken, "TS_HUB_INVITE_TOKEN")
	envOverride(&c.Hub.AdminToken, "TS_HUB_ADMIN_TOKEN")
	envOverride(&c.Hub.DBPath, "TS_HUB_DB_PATH")
	envOverride(&c.Agent.HubURL, "TS_HUB_URL")
	envOverride(&c.Agent.DeviceID, "TS_HUB_DEVICE_ID")
	envOverride(&c.Agent.DeviceLabel, "TS_HUB_DEVICE_LABEL")
	envOverride(&c.Agent.AnonUserID, "TS_HUB_ANON_USER_ID")
	envOverride(&c.Agent.InviteToken, "TS_HUB_INVITE_TOKEN")
}

// Normalize trims values and pulls out-of-range numbers back to their
// defaults.
func (c *Config) Normalize() {
	c.Hub.ListenAddr = strings.TrimSpace(c.Hub.ListenAddr)
	if c.Hub.ListenAddr == "" {
		c.Hub.ListenAddr = ":8787"
	}
	c.Hub.SigningKey = strings.TrimSpace(c.Hub.SigningKey)
	c.Hub.InviteToken = strings.TrimSpace(c.Hub.InviteToken)
	c.Hub.AdminToken = strings.TrimSpace(c.Hub.AdminToken)
	var devices []string
	for _, d := range c.Hub.AllowedDevices {
		if d = strings.TrimSpace(d); d != "" {
			devices = append(devices, d)
		}
	}
	c.Hub.AllowedDevices = devices
	if c.Hub.LoginWindowSeconds < 10 || c.Hub.LoginWindowSeconds > 3600 {
		c.Hub.LoginWindowSeconds = 300
	}
	if c.Hub.LoginMaxAttempts < 1 || c.Hub.LoginMaxAttempts > 100 {
		c.Hub.LoginMaxAttempts = 10
	}

	c.Agent.HubURL = strings.TrimRight(strings.TrimSpace(c.Agent.HubURL), "/")
	c.Agent.DeviceID = strings.TrimSpace(c.Agent.DeviceID)
	c.Agent.DeviceLabel = strings.TrimSpace(c.Agent.DeviceLabel)
	c.Agent.AnonUserID = strings.TrimSpace(c.Agent.AnonUserID)
	c.Agent.InviteToken = strings.TrimSpace(c.Agent.InviteToken)
	if c.Agent.BucketSeconds < 60 {
		c.Agent.BucketSeconds = 300
	}
	if c.Agent.FlushIntervalSeconds < 5 {
		c.Agent.FlushIntervalSeconds = 30
	}
}

// ValidateHub checks the settings the hub cannot start without.
func (c *Config) ValidateHub() error {
	if c.Hub.SigningKey == "" && c.Hub.InviteToken == "" {
		return errors.New("hub requires signing_key or invite_token (or TS_HUB_SIGNING_KEY / TS_HUB_INVITE_TOKEN)")
	}
	if c.Hub.TLS.Enabled && c.Hub.TLS.Domain == "" {
		return errors.New("hub tls requires a domain")
	}
	return nil
}

// ValidateAgent checks the settings the upload agent cannot start without.
func (c *Config) ValidateAgent() error {
	if c.Agent.HubURL == "" {
		return errors.New("agent requires hub_url (or TS_HUB_URL)")
	}
	return nil
}

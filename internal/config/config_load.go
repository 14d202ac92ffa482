package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sessions: SessionsConfig{
			Scope:         "per-peer",
			MainKey:       "main",
			Storage:       "~/.clawgate/sessions",
			IdleMinutes:   0,
			KeepLastTurns: 200,
		},
		Queue: QueueConfig{
			Mode:           "collect",
			OverflowCap:    20,
			OverflowPolicy: "drop-old",
			Lanes: map[string]int{
				"cron": 2,
				"hook": 2,
			},
		},
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       18791,
			DebounceMs: 800,
		},
		Dedupe: DedupeConfig{
			TTLMinutes: 5,
			MaxEntries: 5000,
		},
		Cron: CronConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("CLAWGATE_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Gateway.DebounceMs = ms
		}
	}

	envStr("CLAWGATE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CLAWGATE_SESSIONS_SCOPE", &c.Sessions.Scope)
	if v := os.Getenv("CLAWGATE_SESSIONS_IDLE_MINUTES"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m >= 0 {
			c.Sessions.IdleMinutes = m
		}
	}

	envStr("CLAWGATE_QUEUE_MODE", &c.Queue.Mode)
	envStr("CLAWGATE_QUEUE_OVERFLOW_POLICY", &c.Queue.OverflowPolicy)
	if v := os.Getenv("CLAWGATE_QUEUE_OVERFLOW_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Queue.OverflowCap = n
		}
	}

	envStr("CLAWGATE_HOOKS_TOKEN", &c.Hooks.Token)

	// Telemetry
	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// StoragePath returns the expanded session storage directory.
func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	if v := os.Getenv("CLAWGATE_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.clawgate/config.json")
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

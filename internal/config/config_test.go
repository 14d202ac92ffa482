package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "per-peer", cfg.Sessions.Scope)
	assert.Equal(t, "collect", cfg.Queue.Mode)
	assert.Equal(t, 800, cfg.Gateway.DebounceMs)
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// gateway settings
		gateway: { port: 9000, debounceMs: 1200 },
		agents: [
			{ id: "support", bindings: { channels: ["telegram"] } },
			{ id: "ops", default: true },
		],
		channels: {
			discord: { debounceMs: 300, ratePerMinute: 30 },
		},
		queue: { mode: "followup", overflowCap: 5, overflowPolicy: "summarize" },
	}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "ops", cfg.ResolveDefaultAgentID())
	assert.Equal(t, "followup", cfg.Queue.Mode)
	assert.Equal(t, 5, cfg.Queue.OverflowCap)
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 9000
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
}

func TestDebounceWindowPerChannelOverride(t *testing.T) {
	cfg := Default()
	cfg.Gateway.DebounceMs = 1000
	cfg.Channels = map[string]ChannelConfig{
		"discord": {DebounceMs: 250},
	}
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceWindow("discord"))
	assert.Equal(t, time.Second, cfg.DebounceWindow("telegram"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate agent id", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a"}, {ID: "a"}}
		}},
		{"empty agent id", func(c *Config) {
			c.Agents = []AgentConfig{{ID: ""}}
		}},
		{"bad scope", func(c *Config) { c.Sessions.Scope = "per-galaxy" }},
		{"bad queue mode", func(c *Config) { c.Queue.Mode = "yolo" }},
		{"bad overflow policy", func(c *Config) { c.Queue.OverflowPolicy = "explode" }},
		{"daily reset hour out of range", func(c *Config) {
			h := 24
			c.Sessions.DailyResetHour = &h
		}},
		{"cron job without schedule", func(c *Config) {
			c.Cron.Jobs = []CronJob{{ID: "daily"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWGATE_PORT", "7777")
	t.Setenv("CLAWGATE_QUEUE_MODE", "steer")
	t.Setenv("CLAWGATE_HOOKS_TOKEN", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Gateway.Port)
	assert.Equal(t, "steer", cfg.Queue.Mode)
	assert.Equal(t, "secret", cfg.Hooks.Token)
}

func TestReplaceFromSwapsValues(t *testing.T) {
	cfg := Default()
	next := Default()
	next.Gateway.DebounceMs = 50
	next.Agents = []AgentConfig{{ID: "fresh"}}

	cfg.ReplaceFrom(next)
	assert.Equal(t, 50, cfg.Gateway.DebounceMs)
	assert.Equal(t, "fresh", cfg.ResolveDefaultAgentID())
}

func TestDedupeSettingsDefaults(t *testing.T) {
	cfg := &Config{}
	ttl, max := cfg.DedupeSettings()
	assert.Equal(t, 5*time.Minute, ttl)
	assert.Equal(t, 5000, max)
}

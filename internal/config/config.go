// Package config holds the validated configuration consumed by the gateway
// core: agent binding table, session scope, debounce windows, queue policy,
// cron jobs and webhook ingress. Loaded from JSON5, overlaid with env vars,
// hot-reloaded via fsnotify. Hot reload swaps values under the mutex and
// never touches in-flight lane state — the scheduler copies policy values
// at enqueue time.
package config

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultAgentID is used when no agent is explicitly marked default.
const DefaultAgentID = "default"

// Config is the root configuration for the clawgate gateway.
type Config struct {
	Agents    []AgentConfig            `json:"agents"`
	Sessions  SessionsConfig           `json:"sessions"`
	Queue     QueueConfig              `json:"queue"`
	Gateway   GatewayConfig            `json:"gateway"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Dedupe    DedupeConfig             `json:"dedupe,omitempty"`
	Cron      CronConfig               `json:"cron,omitempty"`
	Hooks     HooksConfig              `json:"hooks,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// AgentConfig declares one agent and its binding rules. Order in the list is
// registration order: the first agent is the fallback default unless another
// is explicitly marked.
type AgentConfig struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName,omitempty"`
	Default     bool           `json:"default,omitempty"`
	Scope       string         `json:"scope,omitempty"`   // per-agent override of sessions.scope
	Command     []string       `json:"command,omitempty"` // external executor argv; empty means registered in-process
	Bindings    BindingsConfig `json:"bindings,omitempty"`
}

// BindingsConfig lists what inbound traffic an agent claims, in priority
// order: explicit peers, then guilds/teams, then bot accounts, then whole
// channels. First match across the agent table wins within each tier.
type BindingsConfig struct {
	Peers    []PeerRef    `json:"peers,omitempty"`
	Guilds   []GuildRef   `json:"guilds,omitempty"`
	Accounts []AccountRef `json:"accounts,omitempty"`
	Channels []string     `json:"channels,omitempty"`
}

// PeerRef identifies a specific conversation on a channel.
type PeerRef struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind,omitempty"` // "dm", "group", "channel", "thread"; empty matches any
	ID      string `json:"id"`
}

// GuildRef identifies a guild/team/server on a channel.
type GuildRef struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// AccountRef identifies a bot account on a channel.
type AccountRef struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// SessionsConfig controls session addressing and lifecycle.
type SessionsConfig struct {
	Scope          string `json:"scope,omitempty"`   // main | per-peer | per-channel-peer | per-account-channel-peer
	MainKey        string `json:"mainKey,omitempty"` // scope key for scope=main (default "main")
	Storage        string `json:"storage,omitempty"` // transcript + index directory
	IdleMinutes    int    `json:"idleMinutes,omitempty"`
	DailyResetHour *int   `json:"dailyResetHour,omitempty"` // local hour 0-23; nil disables
	KeepLastTurns  int    `json:"keepLastTurns,omitempty"`  // conversational turns kept in the context view
}

// QueueConfig controls the lane scheduler.
type QueueConfig struct {
	Mode           string         `json:"mode,omitempty"`           // collect | followup | steer | interrupt
	OverflowCap    int            `json:"overflowCap,omitempty"`    // max pending units per lane (0 = unbounded)
	OverflowPolicy string         `json:"overflowPolicy,omitempty"` // drop-old | drop-new | summarize
	Lanes          map[string]int `json:"lanes,omitempty"`          // global lane capacities, e.g. {"cron": 2}
}

// GatewayConfig holds process-level settings.
type GatewayConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	DebounceMs int    `json:"debounceMs,omitempty"` // default inbound debounce window
}

// ChannelConfig is the per-channel override surface.
type ChannelConfig struct {
	DebounceMs    int `json:"debounceMs,omitempty"`    // overrides gateway.debounceMs
	RatePerMinute int `json:"ratePerMinute,omitempty"` // outbound send budget
}

// DedupeConfig bounds the inbound dedupe cache.
type DedupeConfig struct {
	TTLMinutes int `json:"ttlMinutes,omitempty"` // default 5
	MaxEntries int `json:"maxEntries,omitempty"` // default 5000
}

// CronConfig declares scheduled jobs and their retry policy.
type CronConfig struct {
	Jobs           []CronJob `json:"jobs,omitempty"`
	MaxRetries     int       `json:"maxRetries,omitempty"`     // default 3, 0 = use default
	RetryBaseDelay string    `json:"retryBaseDelay,omitempty"` // Go duration, default "2s"
	RetryMaxDelay  string    `json:"retryMaxDelay,omitempty"`  // Go duration, default "30s"
}

// CronJob is one scheduled unit of agent work.
type CronJob struct {
	ID       string        `json:"id"`
	Schedule string        `json:"schedule"` // cron expression
	Message  string        `json:"message"`
	AgentID  string        `json:"agentId,omitempty"`
	Deliver  DeliverTarget `json:"deliver,omitempty"`
}

// DeliverTarget optionally routes a run's result to a channel peer.
type DeliverTarget struct {
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// HooksConfig declares webhook-triggered sessions.
type HooksConfig struct {
	Token string       `json:"-"` // from env CLAWGATE_HOOKS_TOKEN only
	Hooks []HookConfig `json:"hooks,omitempty"`
}

// HookConfig is one webhook ingress endpoint.
type HookConfig struct {
	ID      string        `json:"id"`
	AgentID string        `json:"agentId,omitempty"`
	Deliver DeliverTarget `json:"deliver,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher so all holders of *Config see new values.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Sessions = src.Sessions
	c.Queue = src.Queue
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Dedupe = src.Dedupe
	c.Cron = src.Cron
	c.Hooks = src.Hooks
	c.Telemetry = src.Telemetry
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}

	switch c.Sessions.Scope {
	case "", "main", "per-peer", "per-channel-peer", "per-account-channel-peer":
	default:
		return fmt.Errorf("unknown sessions.scope %q", c.Sessions.Scope)
	}
	if h := c.Sessions.DailyResetHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("sessions.dailyResetHour %d out of range", *h)
	}

	switch c.Queue.Mode {
	case "", "collect", "followup", "steer", "interrupt":
	default:
		return fmt.Errorf("unknown queue.mode %q", c.Queue.Mode)
	}
	switch c.Queue.OverflowPolicy {
	case "", "drop-old", "drop-new", "summarize":
	default:
		return fmt.Errorf("unknown queue.overflowPolicy %q", c.Queue.OverflowPolicy)
	}

	for _, j := range c.Cron.Jobs {
		if j.ID == "" || j.Schedule == "" {
			return fmt.Errorf("cron job missing id or schedule")
		}
	}
	for _, h := range c.Hooks.Hooks {
		if h.ID == "" {
			return fmt.Errorf("hook with empty id")
		}
	}
	return nil
}

// AgentsSnapshot returns a copy of the ordered agent table.
func (c *Config) AgentsSnapshot() []AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentConfig, len(c.Agents))
	copy(out, c.Agents)
	return out
}

// SessionsSnapshot returns a copy of the sessions settings.
func (c *Config) SessionsSnapshot() SessionsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions
}

// QueueSnapshot returns a copy of the queue settings.
func (c *Config) QueueSnapshot() QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := c.Queue
	if len(c.Queue.Lanes) > 0 {
		q.Lanes = make(map[string]int, len(c.Queue.Lanes))
		for k, v := range c.Queue.Lanes {
			q.Lanes[k] = v
		}
	}
	return q
}

// CronSnapshot returns a copy of the cron settings, jobs included.
func (c *Config) CronSnapshot() CronConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc := c.Cron
	if len(c.Cron.Jobs) > 0 {
		cc.Jobs = make([]CronJob, len(c.Cron.Jobs))
		copy(cc.Jobs, c.Cron.Jobs)
	}
	return cc
}

// HooksSnapshot returns a copy of the webhook settings.
func (c *Config) HooksSnapshot() HooksConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hc := c.Hooks
	if len(c.Hooks.Hooks) > 0 {
		hc.Hooks = make([]HookConfig, len(c.Hooks.Hooks))
		copy(hc.Hooks, c.Hooks.Hooks)
	}
	return hc
}

// TelemetrySnapshot returns a copy of the telemetry settings.
func (c *Config) TelemetrySnapshot() TelemetryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc := c.Telemetry
	if len(c.Telemetry.Headers) > 0 {
		tc.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k, v := range c.Telemetry.Headers {
			tc.Headers[k] = v
		}
	}
	return tc
}

// ResolveDefaultAgentID returns the agent marked default, or the first
// registered agent, or "" when no agents are configured.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Agents {
		if a.Default {
			return a.ID
		}
	}
	if len(c.Agents) > 0 {
		return c.Agents[0].ID
	}
	return ""
}

// DebounceWindow resolves the debounce window for a channel: per-channel
// override first, then the gateway default.
func (c *Config) DebounceWindow(channel string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cc, ok := c.Channels[channel]; ok && cc.DebounceMs > 0 {
		return time.Duration(cc.DebounceMs) * time.Millisecond
	}
	return time.Duration(c.Gateway.DebounceMs) * time.Millisecond
}

// RateLimit returns the outbound sends-per-minute budget for a channel
// (0 = unlimited).
func (c *Config) RateLimit(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cc, ok := c.Channels[channel]; ok {
		return cc.RatePerMinute
	}
	return 0
}

// ListenAddr returns the gateway's listen address.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return net.JoinHostPort(c.Gateway.Host, strconv.Itoa(c.Gateway.Port))
}

// DedupeSettings returns the effective dedupe TTL and size cap.
func (c *Config) DedupeSettings() (time.Duration, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ttl := 5 * time.Minute
	if c.Dedupe.TTLMinutes > 0 {
		ttl = time.Duration(c.Dedupe.TTLMinutes) * time.Minute
	}
	max := c.Dedupe.MaxEntries
	if max <= 0 {
		max = 5000
	}
	return ttl, max
}

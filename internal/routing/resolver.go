// Package routing maps inbound messages to agent IDs using the ordered
// binding table from config. Tiers run most-specific first: explicit peer,
// then guild, then bot account, then whole channel, then the default agent.
// Within a tier the first matching agent in registration order wins.
package routing

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// ErrNoAgentConfigured means no binding matched and no default agent exists.
// Fatal for the message, never for the process.
var ErrNoAgentConfigured = errors.New("no agent configured for message")

// Resolver evaluates the binding table for each inbound message. It reads
// the live config on every call, so hot reloads take effect immediately.
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the agent ID that should handle msg. A non-empty
// msg.AgentID (pre-routed cron or hook traffic) short-circuits the table.
func (r *Resolver) Resolve(msg bus.InboundMessage) (string, error) {
	if msg.AgentID != "" {
		return msg.AgentID, nil
	}

	agents := r.cfg.AgentsSnapshot()

	// Peer bindings: exact conversation match, most specific tier.
	for _, a := range agents {
		for _, p := range a.Bindings.Peers {
			if p.Channel != msg.Channel || p.ID != msg.PeerID {
				continue
			}
			if p.Kind != "" && p.Kind != string(msg.ChatType) {
				continue
			}
			return a.ID, nil
		}
	}

	// Guild bindings: claim every conversation inside a guild/team.
	if msg.GroupID != "" {
		for _, a := range agents {
			for _, g := range a.Bindings.Guilds {
				if g.Channel == msg.Channel && g.ID == msg.GroupID {
					return a.ID, nil
				}
			}
		}
	}

	// Account bindings: claim all traffic hitting one bot account.
	if msg.AccountID != "" {
		for _, a := range agents {
			for _, acc := range a.Bindings.Accounts {
				if acc.Channel == msg.Channel && acc.ID == msg.AccountID {
					return a.ID, nil
				}
			}
		}
	}

	// Channel bindings: claim a whole transport.
	for _, a := range agents {
		for _, ch := range a.Bindings.Channels {
			if ch == msg.Channel {
				return a.ID, nil
			}
		}
	}

	if id := r.cfg.ResolveDefaultAgentID(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: channel=%s peer=%s", ErrNoAgentConfigured, msg.Channel, msg.PeerID)
}

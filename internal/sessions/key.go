// Package sessions — session addressing, transcript lifecycle, and reset
// handling for the gateway.
//
// Session keys follow a canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	shared main:  {mainKey}
//	DM:           direct:{peerId}                              (per-peer)
//	              {channel}:direct:{peerId}                    (per-channel-peer)
//	              {channel}:{accountId}:direct:{peerId}        (per-account-channel-peer)
//	group:        {channel}:group:{groupId}
//	thread:       {channel}:thread:{threadId}
//
// Cron and hook sessions are keyed outside the agent namespace:
//
//	cron:{jobId}
//	hook:{hookId}
//
// Examples:
//
//	agent:support:main
//	agent:support:telegram:direct:386246614
//	agent:ops:discord:group:88812
//	cron:daily-digest
//	hook:deploy-done
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// Scope names accepted in config.
const (
	ScopeMain               = "main"
	ScopePerPeer            = "per-peer"
	ScopePerChannelPeer     = "per-channel-peer"
	ScopePerAccountChanPeer = "per-account-channel-peer"
)

// BuildScopedKey derives the session key for an inbound message under the
// given scope mode. Group-like chats always get their full group or thread
// key regardless of scope: collapsing a group into a shared main session
// would leak one conversation's history into another.
func BuildScopedKey(agentID string, msg bus.InboundMessage, scope, mainKey string) string {
	if msg.ChatType == bus.ChatThread && msg.ThreadID != "" {
		return fmt.Sprintf("agent:%s:%s:thread:%s", agentID, msg.Channel, msg.ThreadID)
	}
	if msg.ChatType.IsGroupLike() {
		gid := msg.GroupID
		if gid == "" {
			gid = msg.PeerID
		}
		return fmt.Sprintf("agent:%s:%s:group:%s", agentID, msg.Channel, gid)
	}

	switch scope {
	case ScopeMain:
		return BuildMainKey(agentID, mainKey)
	case ScopePerPeer:
		return fmt.Sprintf("agent:%s:direct:%s", agentID, msg.PeerID)
	case ScopePerAccountChanPeer:
		if msg.AccountID != "" {
			return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, msg.Channel, msg.AccountID, msg.PeerID)
		}
		return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, msg.Channel, msg.PeerID)
	default: // per-channel-peer or empty
		return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, msg.Channel, msg.PeerID)
	}
}

// BuildMainKey builds the shared main session key for an agent.
func BuildMainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildCronKey keys a scheduled job's session. All runs of a job share one
// transcript so the agent keeps continuity across ticks.
func BuildCronKey(jobID string) string {
	return "cron:" + jobID
}

// BuildHookKey keys a webhook-triggered session.
func BuildHookKey(hookID string) string {
	return "hook:" + hookID
}

// ParseKey extracts the agentID and rest from a canonical agent session key.
// Returns ("", "") for cron:, hook:, or malformed keys.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsCronKey reports whether the key addresses a scheduled job session.
func IsCronKey(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// IsHookKey reports whether the key addresses a webhook session.
func IsHookKey(key string) bool {
	return strings.HasPrefix(key, "hook:")
}

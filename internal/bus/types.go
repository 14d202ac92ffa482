package bus

import "context"

// ChatType classifies the conversation a message arrived in.
type ChatType string

const (
	ChatDM      ChatType = "dm"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
)

// IsGroupLike reports whether the chat type carries a group/thread scope.
func (t ChatType) IsGroupLike() bool {
	return t == ChatGroup || t == ChatChannel || t == ChatThread
}

// InboundMessage represents a message received from a channel adapter
// (Telegram, Discord, Slack, webhook bridge, etc.). Immutable once built;
// adapters construct it, the gateway only reads it.
type InboundMessage struct {
	Channel    string   `json:"channel"`               // provider id ("telegram", "discord", ...)
	AccountID  string   `json:"account_id,omitempty"`  // bot account within the provider
	PeerID     string   `json:"peer_id"`               // chat/conversation id
	PeerName   string   `json:"peer_name,omitempty"`   // display name of the peer/chat
	SenderID   string   `json:"sender_id"`             // platform user id of the author
	SenderName string   `json:"sender_name,omitempty"` // display name of the author
	Content    string   `json:"content"`
	ChatType   ChatType `json:"chat_type,omitempty"` // dm (default), group, channel, thread
	GroupID    string   `json:"group_id,omitempty"`  // guild/team/server id, when distinct from PeerID
	ThreadID   string   `json:"thread_id,omitempty"` // thread/topic id for ChatThread
	ReplyToID  string   `json:"reply_to_id,omitempty"`
	Media      []string `json:"media,omitempty"`      // file paths or URLs
	MessageID  string   `json:"message_id,omitempty"` // provider-assigned id, used for dedup
	Timestamp  int64    `json:"timestamp,omitempty"`  // unix milliseconds
	Edited     bool     `json:"edited,omitempty"`
	Deleted    bool     `json:"deleted,omitempty"`

	AgentID  string            `json:"agent_id,omitempty"` // explicit target agent (bypasses bindings)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	PeerID   string            `json:"peer_id"`
	Content  string            `json:"content"`
	ThreadID string            `json:"thread_id,omitempty"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent with an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageRouter abstracts inbound/outbound message flow between channel
// adapters and the gateway core.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}

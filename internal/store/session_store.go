// Package store defines the persistence contracts for session transcripts
// and the session index. Transcripts are append-only: entries are never
// rewritten in place, resets archive the file and start a fresh one.
package store

import "time"

// Entry roles. "event" marks gateway-generated records (resets, summaries)
// that are part of the transcript but not conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleEvent     = "event"
)

// TranscriptEntry is one append-only record in a session transcript.
type TranscriptEntry struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Sender    string   `json:"sender,omitempty"`  // platform user id of the author
	Channel   string   `json:"channel,omitempty"` // provider the turn came from
	Media     []string `json:"media,omitempty"`
	RunID     string   `json:"run_id,omitempty"` // executor run that produced this entry
	Timestamp int64    `json:"timestamp"`        // unix milliseconds
}

// IndexEntry is the per-session metadata row.
type IndexEntry struct {
	Key          string    `json:"key"`
	AgentID      string    `json:"agentId,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	ChatType     string    `json:"chatType,omitempty"`
	PeerID       string    `json:"peerId,omitempty"`
	MessageCount int       `json:"messageCount"`
	InputTokens  int64     `json:"inputTokens,omitempty"`  // accumulated across runs
	OutputTokens int64     `json:"outputTokens,omitempty"` // accumulated across runs
	LastMessage  string    `json:"lastMessage,omitempty"`  // snippet of the latest user batch
	LastReply    string    `json:"lastReply,omitempty"`    // snippet of the latest agent reply
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	ResetCount   int       `json:"resetCount,omitempty"`
	LastArchive  string    `json:"lastArchive,omitempty"` // path of the most recent archived transcript
}

// RunStats is the per-run metadata folded into the index after a completed
// agent run.
type RunStats struct {
	ChatType     string
	PeerID       string
	InputTokens  int64
	OutputTokens int64
	LastMessage  string
	LastReply    string
}

// ListOpts holds filter and pagination options for IndexStore.List.
type ListOpts struct {
	Prefix string // key prefix, e.g. "agent:support:"
	Limit  int
	Offset int
}

// ListResult is the paginated result of IndexStore.List.
type ListResult struct {
	Sessions []IndexEntry `json:"sessions"`
	Total    int          `json:"total"`
}

// TranscriptStore persists the append-only conversation record per session.
type TranscriptStore interface {
	Append(key string, e TranscriptEntry) error
	Read(key string) ([]TranscriptEntry, error)
	// Archive moves the current transcript aside and returns the archive
	// path. A session with no transcript archives to "".
	Archive(key, reason string) (string, error)
	// Rewrite replaces the stored transcript wholesale. Only explicit
	// compaction may call this; normal writes are append-only.
	Rewrite(key string, entries []TranscriptEntry) error
	Delete(key string) error
}

// IndexStore tracks session metadata for listing, idle detection, and
// reset accounting.
type IndexStore interface {
	Touch(key, agentID, channel string, at time.Time) error
	// RecordRun folds a completed run's usage and snippets into the row.
	RecordRun(key string, stats RunStats, at time.Time) error
	Get(key string) (*IndexEntry, error)
	List(opts ListOpts) (ListResult, error)
	MarkReset(key, archivePath string, at time.Time) error
	Delete(key string) error
	Close() error
}

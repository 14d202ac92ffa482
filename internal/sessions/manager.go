package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Reset reasons recorded in archive filenames and logs.
const (
	ResetIdle     = "idle"
	ResetDaily    = "daily"
	ResetExplicit = "explicit"
)

// Manager ties session keys to their transcript and index records and owns
// the reset lifecycle. Appends go through the manager so expiry checks run
// before any new turn lands in a stale conversation.
type Manager struct {
	transcripts store.TranscriptStore
	index       store.IndexStore
	cfg         *config.Config

	mu  sync.Mutex
	now func() time.Time
}

func NewManager(cfg *config.Config, transcripts store.TranscriptStore, index store.IndexStore) *Manager {
	return &Manager{
		transcripts: transcripts,
		index:       index,
		cfg:         cfg,
		now:         time.Now,
	}
}

// KeyFor derives the session key for an inbound message routed to agentID.
func (m *Manager) KeyFor(agentID string, msg bus.InboundMessage) string {
	sc := m.cfg.SessionsSnapshot()
	return BuildScopedKey(agentID, msg, sc.Scope, sc.MainKey)
}

// Append writes one entry to the session transcript, expiring the session
// first if its idle or daily deadline has passed. The index row is touched
// on every append so idle detection stays accurate.
func (m *Manager) Append(key, agentID, channel string, e store.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if reason := m.expiryDue(key, now); reason != "" {
		if _, err := m.resetLocked(key, reason, now); err != nil {
			return err
		}
	}

	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	if err := m.appendWithRetry(key, e); err != nil {
		return err
	}
	return m.index.Touch(key, agentID, channel, now)
}

// appendWithRetry retries transient transcript write failures a few times
// before giving up. A persistent failure surfaces to the caller and becomes
// the run's failed outcome.
func (m *Manager) appendWithRetry(key string, e store.TranscriptEntry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, m.transcripts.Append(key, e)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	return err
}

// readWithRetry mirrors appendWithRetry for transcript reads: a history
// view must never be silently empty because of a transient read failure.
func (m *Manager) readWithRetry(key string) ([]store.TranscriptEntry, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(context.Background(), func() ([]store.TranscriptEntry, error) {
		return m.transcripts.Read(key)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
}

// RecordRun folds a completed run's usage and message snippets into the
// session's index row. Snippets are truncated so the index stays a summary,
// not a second transcript.
func (m *Manager) RecordRun(key string, stats store.RunStats) error {
	stats.LastMessage = Snippet(stats.LastMessage)
	stats.LastReply = Snippet(stats.LastReply)
	return m.index.RecordRun(key, stats, m.now())
}

// snippetMax bounds the last_message/last_reply columns.
const snippetMax = 200

// Snippet truncates s to snippetMax runes, marking the cut with an ellipsis.
func Snippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetMax {
		return s
	}
	return string(runes[:snippetMax-1]) + "…"
}

// Compact rewrites the stored transcript down to the current context view:
// everything History would prune is dropped from disk. Unlike Reset, nothing
// is archived; compaction is for sessions that should keep running with a
// smaller tail.
func (m *Manager) Compact(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.readWithRetry(key)
	if err != nil {
		return 0, err
	}
	kept, err := m.History(key)
	if err != nil {
		return 0, err
	}
	dropped := len(entries) - len(kept)
	if dropped <= 0 {
		return 0, nil
	}
	if err := m.transcripts.Rewrite(key, kept); err != nil {
		return 0, fmt.Errorf("compact %s: %w", key, err)
	}
	slog.Info("session compacted", "key", key, "dropped", dropped, "kept", len(kept))
	return dropped, nil
}

// History returns the context view for a session: the full transcript
// pruned to the last keepLastTurns conversational turns. The on-disk record
// is never modified; pruning happens at read time only.
func (m *Manager) History(key string) ([]store.TranscriptEntry, error) {
	entries, err := m.readWithRetry(key)
	if err != nil {
		return nil, err
	}

	keep := m.cfg.SessionsSnapshot().KeepLastTurns
	if keep <= 0 {
		return entries, nil
	}

	// A turn starts at a user entry. Walk backwards until keep turns are
	// covered, then return the suffix.
	turns := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == store.RoleUser {
			turns++
			if turns >= keep {
				return entries[i:], nil
			}
		}
	}
	return entries, nil
}

// Reset archives the current transcript and restarts the session. Returns
// the archive path ("" when the session had no transcript).
func (m *Manager) Reset(key, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked(key, reason, m.now())
}

func (m *Manager) resetLocked(key, reason string, now time.Time) (string, error) {
	archived, err := m.transcripts.Archive(key, reason)
	if err != nil {
		return "", fmt.Errorf("reset %s: %w", key, err)
	}
	if err := m.index.MarkReset(key, archived, now); err != nil {
		return archived, err
	}
	slog.Info("session reset", "key", key, "reason", reason, "archive", archived)
	return archived, nil
}

// expiryDue returns the reset reason owed to the session, or "" when the
// session is still fresh. Cron and hook sessions never expire on idle or
// daily boundaries: their continuity is the point of keying them by job.
func (m *Manager) expiryDue(key string, now time.Time) string {
	if IsCronKey(key) || IsHookKey(key) {
		return ""
	}

	entry, err := m.index.Get(key)
	if err != nil {
		slog.Warn("session index read failed", "key", key, "error", err)
		return ""
	}
	if entry == nil || entry.MessageCount == 0 {
		return ""
	}

	sc := m.cfg.SessionsSnapshot()

	if sc.IdleMinutes > 0 {
		if now.Sub(entry.Updated) > time.Duration(sc.IdleMinutes)*time.Minute {
			return ResetIdle
		}
	}

	if sc.DailyResetHour != nil {
		// Most recent occurrence of the reset hour at or before now.
		boundary := time.Date(now.Year(), now.Month(), now.Day(), *sc.DailyResetHour, 0, 0, 0, now.Location())
		if boundary.After(now) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		if entry.Updated.Before(boundary) {
			return ResetDaily
		}
	}

	return ""
}

// List returns session metadata, optionally filtered by agent.
func (m *Manager) List(agentID string, limit, offset int) (store.ListResult, error) {
	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}
	return m.index.List(store.ListOpts{Prefix: prefix, Limit: limit, Offset: offset})
}

// Delete removes a session's current transcript and index row. Archives
// are kept.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transcripts.Delete(key); err != nil {
		return err
	}
	return m.index.Delete(key)
}

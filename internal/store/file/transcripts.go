// Package file implements store.TranscriptStore on JSONL files: one file
// per session under {root}/transcripts, one JSON object per line, append
// only. Resets rename the file into {root}/archive with a timestamp so no
// history is ever destroyed.
package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// TranscriptStore writes session transcripts to JSONL files.
type TranscriptStore struct {
	root string
	mu   sync.Mutex // serializes append/archive per process
}

func NewTranscriptStore(root string) (*TranscriptStore, error) {
	for _, dir := range []string{filepath.Join(root, "transcripts"), filepath.Join(root, "archive")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &TranscriptStore{root: root}, nil
}

func (t *TranscriptStore) path(key string) string {
	return filepath.Join(t.root, "transcripts", sanitizeFilename(key)+".jsonl")
}

// Append writes one entry to the session's transcript file. The write is a
// single buffered line plus newline, so concurrent sessions never interleave
// within a record.
func (t *TranscriptStore) Append(key string, e store.TranscriptEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Read returns all entries in the current transcript. Lines that fail to
// parse are skipped with a warning: a torn tail write must not make the
// whole session unreadable.
func (t *TranscriptStore) Read(key string) ([]store.TranscriptEntry, error) {
	f, err := os.Open(t.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []store.TranscriptEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e store.TranscriptEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			slog.Warn("skipping malformed transcript line", "key", key, "line", line, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan transcript: %w", err)
	}
	return entries, nil
}

// Rewrite replaces the transcript with the given entries. The new content
// is written to a temp file in the same directory and renamed over the
// current file, so readers see either the old transcript or the new one.
func (t *TranscriptStore) Rewrite(key string, entries []store.TranscriptEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dst := t.path(key)
	tmp, err := os.CreateTemp(filepath.Dir(dst), sanitizeFilename(key)+".rewrite-*")
	if err != nil {
		return fmt.Errorf("create rewrite temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encode transcript entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write rewrite temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush rewrite temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close rewrite temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replace transcript: %w", err)
	}
	return nil
}

// Archive moves the current transcript into the archive directory, named
// with the reset timestamp and reason. Returns "" when the session has no
// transcript yet.
func (t *TranscriptStore) Archive(key, reason string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.path(key)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", nil
	}

	if reason == "" {
		reason = "reset"
	}
	name := fmt.Sprintf("%s.%s.%s.jsonl",
		sanitizeFilename(key), time.Now().UTC().Format("20060102T150405"), reason)
	dst := filepath.Join(t.root, "archive", name)

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archive transcript: %w", err)
	}
	return dst, nil
}

// Delete removes the current transcript file. Archived copies are kept.
func (t *TranscriptStore) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

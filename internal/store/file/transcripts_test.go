package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func TestAppendReadRoundTrip(t *testing.T) {
	ts, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	key := "agent:support:telegram:direct:42"
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "hello", Sender: "u1"}))
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleAssistant, Content: "hi there"}))

	entries, err := ts.Read(key)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, store.RoleAssistant, entries[1].Role)
	assert.NotZero(t, entries[0].Timestamp)
}

func TestReadMissingSessionReturnsEmpty(t *testing.T) {
	ts, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	entries, err := ts.Read("agent:support:nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadSkipsTornTailLine(t *testing.T) {
	root := t.TempDir()
	ts, err := NewTranscriptStore(root)
	require.NoError(t, err)

	key := "agent:a:telegram:direct:1"
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "ok"}))

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(ts.path(key), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"role":"user","cont`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ts.Read(key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Content)
}

func TestRewriteReplacesTranscript(t *testing.T) {
	root := t.TempDir()
	ts, err := NewTranscriptStore(root)
	require.NoError(t, err)

	key := "agent:a:telegram:direct:4"
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "one"}))
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleAssistant, Content: "two"}))
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "three"}))

	require.NoError(t, ts.Rewrite(key, []store.TranscriptEntry{
		{Role: store.RoleUser, Content: "three", Timestamp: 1},
	}))

	entries, err := ts.Read(key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "three", entries[0].Content)

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(root, "transcripts", "*rewrite*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestArchiveMovesTranscriptAside(t *testing.T) {
	root := t.TempDir()
	ts, err := NewTranscriptStore(root)
	require.NoError(t, err)

	key := "agent:a:telegram:direct:7"
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "old history"}))

	archived, err := ts.Archive(key, "idle")
	require.NoError(t, err)
	require.NotEmpty(t, archived)
	assert.Equal(t, filepath.Join(root, "archive"), filepath.Dir(archived))
	assert.Contains(t, filepath.Base(archived), "idle")

	// Fresh transcript after the archive.
	entries, err := ts.Read(key)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Archived content survives untouched.
	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Contains(t, string(data), "old history")
}

func TestArchiveWithoutTranscriptIsNoop(t *testing.T) {
	ts, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	archived, err := ts.Archive("agent:a:never-seen", "explicit")
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestDeleteKeepsArchives(t *testing.T) {
	ts, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	key := "agent:a:telegram:direct:9"
	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "one"}))
	archived, err := ts.Archive(key, "reset")
	require.NoError(t, err)

	require.NoError(t, ts.Append(key, store.TranscriptEntry{Role: store.RoleUser, Content: "two"}))
	require.NoError(t, ts.Delete(key))

	entries, err := ts.Read(key)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = os.Stat(archived)
	assert.NoError(t, err)
}

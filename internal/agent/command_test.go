package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

func TestCommandExecutorCapturesStdout(t *testing.T) {
	ex := NewCommandExecutor([]string{"sh", "-c", "cat >/dev/null; echo all done"})

	res, err := ex.Run(context.Background(), RunRequest{
		SessionKey: "agent:helper:cli:me",
		RunID:      "r1",
		Batch:      []bus.InboundMessage{{Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "all done", res.Content)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, BlockText, res.Blocks[0].Type)
}

func TestCommandExecutorWritesPayloadToStdin(t *testing.T) {
	// cat echoes the payload back, so the decoded reply is the request.
	ex := NewCommandExecutor([]string{"cat"})

	res, err := ex.Run(context.Background(), RunRequest{
		SessionKey: "hook:deploy",
		AgentID:    "ops",
		RunID:      "r2",
		Batch:      []bus.InboundMessage{{Content: "ship it"}},
	})
	require.NoError(t, err)

	var payload commandPayload
	require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
	assert.Equal(t, "hook:deploy", payload.SessionKey)
	assert.Equal(t, "ops", payload.AgentID)
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "ship it", payload.Messages[0].Content)
}

func TestCommandExecutorHonorsCancellation(t *testing.T) {
	ex := NewCommandExecutor([]string{"sh", "-c", "sleep 10"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ex.Run(ctx, RunRequest{Batch: []bus.InboundMessage{{Content: "x"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandExecutorCancellationSurvivesForkedChildren(t *testing.T) {
	// The background sleep inherits the stdout pipe and outlives the shell;
	// WaitDelay must close the pipe instead of waiting the full 30s.
	ex := NewCommandExecutor([]string{"sh", "-c", "sleep 30 & wait"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ex.Run(ctx, RunRequest{Batch: []bus.InboundMessage{{Content: "x"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandExecutorRejectsEmptyArgv(t *testing.T) {
	ex := NewCommandExecutor(nil)
	_, err := ex.Run(context.Background(), RunRequest{})
	assert.Error(t, err)
}

func TestCommandExecutorSurfacesStderr(t *testing.T) {
	ex := NewCommandExecutor([]string{"sh", "-c", "echo boom >&2; exit 3"})
	_, err := ex.Run(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

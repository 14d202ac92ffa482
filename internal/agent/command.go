package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// commandPayload is the JSON document written to the agent process's stdin.
type commandPayload struct {
	SessionKey string                  `json:"sessionKey"`
	AgentID    string                  `json:"agentId"`
	RunID      string                  `json:"runId"`
	Summarize  bool                    `json:"summarize,omitempty"`
	History    []store.TranscriptEntry `json:"history,omitempty"`
	Messages   []bus.InboundMessage    `json:"messages"`
}

// CommandExecutor runs an external agent binary per unit of work. The
// request is written to stdin as JSON, the reply is read from stdout.
// Cancellation kills the process via the command context.
//
// Steer messages already queued when the process starts are folded into
// the payload; a running process cannot receive later arrivals.
type CommandExecutor struct {
	argv []string
}

func NewCommandExecutor(argv []string) *CommandExecutor {
	return &CommandExecutor{argv: argv}
}

func (e *CommandExecutor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(e.argv) == 0 {
		return nil, errors.New("agent command: empty argv")
	}

	payload := commandPayload{
		SessionKey: req.SessionKey,
		AgentID:    req.AgentID,
		RunID:      req.RunID,
		Summarize:  req.Summarize,
		History:    req.History,
		Messages:   req.Batch,
	}
	payload.Messages = append(payload.Messages, drainSteer(req.Steer)...)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agent command: encode payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	// Forked grandchildren can keep the stdout/stderr pipes open after the
	// direct child is killed; WaitDelay closes them so cancellation releases
	// the lane instead of blocking on the pipe copy.
	cmd.WaitDelay = 3 * time.Second
	cmd.Env = append(os.Environ(),
		"CLAWGATE_SESSION_KEY="+req.SessionKey,
		"CLAWGATE_AGENT_ID="+req.AgentID,
		"CLAWGATE_RUN_ID="+req.RunID,
	)
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent command: %w: %s", err, firstLine(stderr.String()))
	}

	content := strings.TrimSpace(stdout.String())
	return &RunResult{
		Content: content,
		Blocks:  []ResponseBlock{{Type: BlockText, Content: content}},
		RunID:   req.RunID,
	}, nil
}

func drainSteer(steer <-chan bus.InboundMessage) []bus.InboundMessage {
	if steer == nil {
		return nil
	}
	var msgs []bus.InboundMessage
	for {
		select {
		case m := <-steer:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package agent defines the contract between the gateway core and the agent
// runtime. The runtime is an external collaborator: the gateway hands it a
// transcript view plus a batch of new messages, and gets back a stream of
// response blocks with a completion summary. Everything else (model calls,
// tools, prompting) lives behind the Executor interface.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// RunRequest is one dequeued unit of work handed to the Executor.
type RunRequest struct {
	SessionKey string
	AgentID    string
	Channel    string // source channel of the batch ("" for cron/hook runs)
	PeerID     string
	RunID      string

	// Batch is the ordered set of debounced inbound messages for this run.
	Batch []bus.InboundMessage

	// History is the pruned transcript view, read before the run started.
	History []store.TranscriptEntry

	// Steer delivers messages attached to this run while it executes. The
	// executor incorporates them before its next step; nil when the queue
	// mode is not steer.
	Steer <-chan bus.InboundMessage

	// Summarize is set when overflow policy collapsed pending units into
	// this one: the executor should summarize rather than answer each
	// message individually.
	Summarize bool
}

// BatchText joins the batch bodies in arrival order for executors that
// consume plain text.
func (r RunRequest) BatchText() string {
	switch len(r.Batch) {
	case 0:
		return ""
	case 1:
		return r.Batch[0].Content
	}
	out := r.Batch[0].Content
	for _, m := range r.Batch[1:] {
		out += "\n" + m.Content
	}
	return out
}

// Block types in a run's response stream.
const (
	BlockText    = "text"
	BlockThought = "thought"
	BlockTool    = "tool_result"
)

// ResponseBlock is one element of the executor's response stream.
type ResponseBlock struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Usage is the completion summary of a run.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// RunResult is the output of a completed run.
type RunResult struct {
	Content string          `json:"content"`
	Blocks  []ResponseBlock `json:"blocks,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Usage   Usage           `json:"usage"`
}

// Executor runs one unit of agent work. Implementations must honor ctx
// cancellation at their next safe point and discard partial output.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// Registry holds the configured executors by agent ID. The first registered
// executor doubles as the default.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	defaultID string
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under an agent ID. First registration becomes
// the default target.
func (r *Registry) Register(agentID string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultID == "" {
		r.defaultID = agentID
	}
	r.executors[agentID] = ex
}

// Get returns the executor for agentID, or an error when it is unknown.
func (r *Registry) Get(agentID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.executors[agentID]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("unknown agent %q", agentID)
}

// DefaultID returns the first-registered agent ID ("" when empty).
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IDs returns the registered agent IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

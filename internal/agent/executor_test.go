package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type nopExecutor struct{ id string }

func (n *nopExecutor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return &RunResult{Content: n.id}, nil
}

func TestRegistryFirstRegisteredIsDefault(t *testing.T) {
	r := NewRegistry()
	r.Register("support", &nopExecutor{id: "support"})
	r.Register("ops", &nopExecutor{id: "ops"})

	assert.Equal(t, "support", r.DefaultID())
	assert.Equal(t, []string{"ops", "support"}, r.IDs())

	ex, err := r.Get("ops")
	require.NoError(t, err)
	res, err := ex.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ops", res.Content)

	_, err = r.Get("ghost")
	assert.Error(t, err)
}

func TestBatchTextJoinsInOrder(t *testing.T) {
	req := RunRequest{Batch: []bus.InboundMessage{
		{Content: "first"}, {Content: "second"}, {Content: "third"},
	}}
	assert.Equal(t, "first\nsecond\nthird", req.BatchText())
	assert.Empty(t, RunRequest{}.BatchText())
}

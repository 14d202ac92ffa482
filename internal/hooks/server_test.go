package hooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
)

func hookConfig(token string, hooks ...config.HookConfig) *config.Config {
	cfg := config.Default()
	cfg.Agents = []config.AgentConfig{{ID: "ops"}}
	cfg.Hooks.Token = token
	cfg.Hooks.Hooks = hooks
	return cfg
}

func newHookServer(t *testing.T, cfg *config.Config, run scheduler.RunFunc) (*httptest.Server, *bus.MessageBus) {
	t.Helper()
	sched := scheduler.NewScheduler(cfg, run)
	t.Cleanup(sched.Stop)
	b := bus.New()
	mux := http.NewServeMux()
	NewHandler(cfg, sched, b).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, b
}

func echoRun(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	return &agent.RunResult{Content: "handled: " + req.BatchText()}, nil
}

func postHook(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHookAcceptsAndDelivers(t *testing.T) {
	cfg := hookConfig("", config.HookConfig{
		ID:      "deploy",
		Deliver: config.DeliverTarget{Channel: "telegram", To: "42"},
	})
	var gotKey atomic.Value
	run := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		gotKey.Store(req.SessionKey)
		return echoRun(ctx, req)
	}
	srv, b := newHookServer(t, cfg, run)

	resp := postHook(t, srv.URL+"/hooks/deploy", "", `{"message":"build finished"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := b.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "telegram", out.Channel)
	assert.Equal(t, "42", out.PeerID)
	assert.Equal(t, "handled: build finished", out.Content)
	assert.Equal(t, "hook:deploy", gotKey.Load())
}

func TestHookUnknownIDReturns404(t *testing.T) {
	srv, _ := newHookServer(t, hookConfig(""), echoRun)
	resp := postHook(t, srv.URL+"/hooks/nope", "", `{"message":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHookRequiresMessage(t *testing.T) {
	cfg := hookConfig("", config.HookConfig{ID: "deploy"})
	srv, _ := newHookServer(t, cfg, echoRun)

	resp := postHook(t, srv.URL+"/hooks/deploy", "", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postHook(t, srv.URL+"/hooks/deploy", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHookTokenGuard(t *testing.T) {
	cfg := hookConfig("s3cret", config.HookConfig{ID: "deploy"})
	srv, _ := newHookServer(t, cfg, echoRun)

	resp := postHook(t, srv.URL+"/hooks/deploy", "", `{"message":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postHook(t, srv.URL+"/hooks/deploy", "wrong", `{"message":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postHook(t, srv.URL+"/hooks/deploy", "s3cret", `{"message":"x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHookRunFailureDeliversNothing(t *testing.T) {
	cfg := hookConfig("", config.HookConfig{
		ID:      "deploy",
		Deliver: config.DeliverTarget{Channel: "telegram", To: "42"},
	})
	failRun := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return nil, errors.New("agent unavailable")
	}
	srv, b := newHookServer(t, cfg, failRun)

	resp := postHook(t, srv.URL+"/hooks/deploy", "", `{"message":"x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, ok := b.SubscribeOutbound(ctx)
	assert.False(t, ok, "failed run must not publish an outbound message")
}

func TestSourceLimiterWindow(t *testing.T) {
	l := newSourceLimiter(time.Hour, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.allow("1.2.3.4"))
	}
	assert.False(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("5.6.7.8"), "limits are per source key")
}

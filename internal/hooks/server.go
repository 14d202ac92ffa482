// Package hooks exposes the webhook ingress: external systems POST a
// message to a configured hook and the payload is queued as an agent run
// on the shared hook lane.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Handler serves hook ingress endpoints.
type Handler struct {
	cfg     *config.Config
	sched   *scheduler.Scheduler
	bus     *bus.MessageBus
	limiter *sourceLimiter
}

// NewHandler creates the hook ingress handler.
func NewHandler(cfg *config.Config, sched *scheduler.Scheduler, msgBus *bus.MessageBus) *Handler {
	return &Handler{
		cfg:     cfg,
		sched:   sched,
		bus:     msgBus,
		limiter: newSourceLimiter(60*time.Second, 30),
	}
}

// RegisterRoutes registers hook routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /hooks/{id}", h.auth(h.handleDeliver))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		if token := h.cfg.HooksSnapshot().Token; token != "" {
			if extractBearerToken(r) != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// hookPayload is the request body accepted by POST /hooks/{id}.
type hookPayload struct {
	Message  string            `json:"message"`
	Sender   string            `json:"sender,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hook, ok := h.lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown hook: " + id})
		return
	}

	var payload hookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	agentID := hook.AgentID
	if agentID == "" {
		agentID = h.cfg.ResolveDefaultAgentID()
	}

	runID := fmt.Sprintf("hook-%s-%s", id, uuid.NewString()[:8])
	req := agent.RunRequest{
		SessionKey: sessions.BuildHookKey(id),
		AgentID:    agentID,
		RunID:      runID,
		Batch: []bus.InboundMessage{{
			Channel:    "hook",
			PeerID:     id,
			SenderName: payload.Sender,
			Content:    payload.Message,
			AgentID:    agentID,
			Timestamp:  time.Now().UnixMilli(),
			Metadata:   payload.Metadata,
		}},
	}

	// Detach from the request context: the run outlives the HTTP exchange.
	runCtx := context.WithoutCancel(r.Context())
	outcome := h.sched.ScheduleWithOpts(runCtx, scheduler.LaneHook, req,
		scheduler.ScheduleOpts{Mode: scheduler.ModeFollowup})

	go h.deliverResult(runCtx, hook, runID, outcome)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": runID,
	})
}

// deliverResult waits for the run outcome and forwards the reply to the
// hook's delivery target, when one is configured.
func (h *Handler) deliverResult(ctx context.Context, hook config.HookConfig, runID string, outcome <-chan scheduler.Outcome) {
	o := <-outcome
	if o.Err != nil {
		slog.Error("hook: run failed", "hook", hook.ID, "run_id", runID, "error", o.Err)
		return
	}
	if hook.Deliver.Channel == "" || hook.Deliver.To == "" {
		return
	}
	if o.Result == nil || o.Result.Content == "" {
		return
	}
	h.bus.PublishOutbound(bus.OutboundMessage{
		Channel: hook.Deliver.Channel,
		PeerID:  hook.Deliver.To,
		Content: o.Result.Content,
	})
}

func (h *Handler) lookup(id string) (config.HookConfig, bool) {
	for _, hook := range h.cfg.HooksSnapshot().Hooks {
		if hook.ID == id {
			return hook, true
		}
	}
	return config.HookConfig{}, false
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

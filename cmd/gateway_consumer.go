package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// makeRunFunc bridges the scheduler to the executor registry and the session
// store: the batch is persisted, the pruned history view is attached, the
// executor runs, and its reply lands back in the transcript.
func makeRunFunc(agents *agent.Registry, sessMgr *sessions.Manager) scheduler.RunFunc {
	return func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		agentID := req.AgentID
		if agentID == "" {
			agentID = agents.DefaultID()
		}
		ex, err := agents.Get(agentID)
		if err != nil {
			return nil, err
		}

		for _, m := range req.Batch {
			sender := m.SenderName
			if sender == "" {
				sender = m.SenderID
			}
			entry := store.TranscriptEntry{
				Role:      store.RoleUser,
				Content:   m.Content,
				Sender:    sender,
				Channel:   m.Channel,
				Media:     m.Media,
				RunID:     req.RunID,
				Timestamp: m.Timestamp,
			}
			if err := sessMgr.Append(req.SessionKey, agentID, m.Channel, entry); err != nil {
				return nil, fmt.Errorf("session append: %w", err)
			}
		}

		// The view includes the batch just persisted; Batch marks which
		// tail entries are new. A persistent read failure fails the run:
		// answering without context would be worse than not answering.
		history, err := sessMgr.History(req.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("session history: %w", err)
		}
		req.History = history

		res, err := ex.Run(ctx, req)
		if err != nil {
			return nil, err
		}

		if res != nil && res.Content != "" {
			reply := store.TranscriptEntry{
				Role:    store.RoleAssistant,
				Content: res.Content,
				Channel: req.Channel,
				RunID:   req.RunID,
			}
			if err := sessMgr.Append(req.SessionKey, agentID, req.Channel, reply); err != nil {
				return nil, fmt.Errorf("reply append: %w", err)
			}
		}

		if res != nil && len(req.Batch) > 0 {
			head := req.Batch[0]
			stats := store.RunStats{
				ChatType:     string(head.ChatType),
				PeerID:       head.PeerID,
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
				LastMessage:  req.BatchText(),
				LastReply:    res.Content,
			}
			if err := sessMgr.RecordRun(req.SessionKey, stats); err != nil {
				slog.Warn("run stats update failed", "session", req.SessionKey, "error", err)
			}
		}
		return res, nil
	}
}

// consumeInbound reads inbound messages from the bus and drives them through
// dedupe, debounce, routing, session keying and the scheduler, publishing
// the agent's reply back on the outbound side.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, resolver *routing.Resolver, sessMgr *sessions.Manager, sched *scheduler.Scheduler) {
	slog.Info("inbound consumer started")

	ttl, maxEntries := cfg.DedupeSettings()
	dedupe := bus.NewDedupeCache(ttl, maxEntries)
	defer dedupe.Close()

	process := func(batch []bus.InboundMessage) {
		if len(batch) == 0 {
			return
		}
		head := batch[0]

		agentID, err := resolver.Resolve(head)
		if err != nil {
			if errors.Is(err, routing.ErrNoAgentConfigured) {
				slog.Error("inbound: dropped, no agent configured",
					"channel", head.Channel, "peer", head.PeerID)
				return
			}
			slog.Error("inbound: routing failed", "channel", head.Channel, "error", err)
			return
		}

		key := sessMgr.KeyFor(agentID, head)

		if isStopCommand(batch) {
			if sched.CancelOneSession(key) {
				slog.Info("inbound: active run cancelled", "session", key)
			}
			return
		}

		runID := fmt.Sprintf("inbound-%s-%s-%s", head.Channel, head.PeerID, uuid.NewString()[:8])
		outCh := sched.Schedule(ctx, scheduler.SessionLane(key), agent.RunRequest{
			SessionKey: key,
			AgentID:    agentID,
			Channel:    head.Channel,
			PeerID:     head.PeerID,
			RunID:      runID,
			Batch:      batch,
		})

		go func() {
			outcome := <-outCh
			if outcome.Err != nil {
				switch {
				case errors.Is(outcome.Err, context.Canceled):
					slog.Info("inbound: run cancelled", "session", key)
				case errors.Is(outcome.Err, scheduler.ErrQueueOverflow):
					slog.Info("inbound: unit dropped by overflow policy", "session", key)
				default:
					slog.Error("inbound: agent run failed", "session", key, "error", outcome.Err)
					msgBus.PublishOutbound(bus.OutboundMessage{
						Channel:  head.Channel,
						PeerID:   head.PeerID,
						ThreadID: head.ThreadID,
						Content:  "The agent hit an error handling that message. Please try again.",
					})
				}
				return
			}
			if outcome.Result == nil || outcome.Result.Content == "" {
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel:  head.Channel,
				PeerID:   head.PeerID,
				ThreadID: head.ThreadID,
				Content:  outcome.Result.Content,
			})
		}()
	}

	debouncer := bus.NewInboundDebouncer(cfg.DebounceWindow, process)
	defer debouncer.Stop()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound consumer stopped")
			return
		}
		// Re-read per message so hot reloads of dedupe.* apply.
		dedupe.SetLimits(cfg.DedupeSettings())
		if msg.MessageID != "" {
			if !dedupe.Admit(msg.Channel + ":" + msg.MessageID) {
				slog.Debug("inbound: duplicate dropped",
					"channel", msg.Channel, "message_id", msg.MessageID)
				continue
			}
		}
		debouncer.Push(msg)
	}
}

// isStopCommand reports whether the batch is a bare /stop request.
func isStopCommand(batch []bus.InboundMessage) bool {
	return len(batch) == 1 && strings.TrimSpace(batch[0].Content) == "/stop"
}

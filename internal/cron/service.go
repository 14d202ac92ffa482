// Package cron runs configured scheduled jobs through the queue. Each job
// keys its own session (cron:<jobId>) so consecutive runs share one
// transcript, and executes on the shared cron lane with its configured
// concurrency cap.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Service ticks once a minute and dispatches due jobs. Job definitions are
// read from the live config on every tick, so hot reloads apply without a
// restart.
type Service struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
	bus   *bus.MessageBus
	gron  *gronx.Gronx
}

func NewService(cfg *config.Config, sched *scheduler.Scheduler, msgBus *bus.MessageBus) *Service {
	return &Service{
		cfg:   cfg,
		sched: sched,
		bus:   msgBus,
		gron:  gronx.New(),
	}
}

// Run blocks until ctx is done, firing due jobs at each minute boundary.
func (s *Service) Run(ctx context.Context) error {
	// Align to the next minute so IsDue checks see a clean boundary.
	first := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(first):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.checkDue(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.checkDue(ctx, now)
		}
	}
}

// checkDue dispatches every job whose schedule matches now.
func (s *Service) checkDue(ctx context.Context, now time.Time) {
	for _, job := range s.jobsSnapshot() {
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("cron: invalid schedule", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		slog.Info("cron: job due", "job", job.ID, "schedule", job.Schedule)
		go s.dispatch(ctx, job)
	}
}

func (s *Service) jobsSnapshot() []config.CronJob {
	return s.cfg.CronSnapshot().Jobs
}

// dispatch runs one job occurrence with bounded retry, then delivers the
// result to the job's target channel when one is configured.
func (s *Service) dispatch(ctx context.Context, job config.CronJob) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}

	req := agent.RunRequest{
		SessionKey: sessions.BuildCronKey(job.ID),
		AgentID:    agentID,
		RunID:      fmt.Sprintf("cron-%s-%s", job.ID, uuid.NewString()[:8]),
		Batch: []bus.InboundMessage{{
			Channel:   "cron",
			PeerID:    job.ID,
			Content:   job.Message,
			AgentID:   agentID,
			Timestamp: time.Now().UnixMilli(),
		}},
	}

	maxTries, base, max := s.retryPolicy()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max

	result, err := backoff.Retry(ctx, func() (*agent.RunResult, error) {
		o := <-s.sched.ScheduleWithOpts(ctx, scheduler.LaneCron, req,
			scheduler.ScheduleOpts{Mode: scheduler.ModeFollowup})
		if o.Err != nil {
			return nil, o.Err
		}
		return o.Result, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
	if err != nil {
		slog.Error("cron: job failed", "job", job.ID, "attempts", maxTries, "error", err)
		return
	}

	if job.Deliver.Channel != "" && job.Deliver.To != "" && result != nil && result.Content != "" {
		s.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Deliver.Channel,
			PeerID:  job.Deliver.To,
			Content: result.Content,
		})
	}
}

func (s *Service) retryPolicy() (tries uint, base, max time.Duration) {
	cc := s.cfg.CronSnapshot()
	tries = 3
	if cc.MaxRetries > 0 {
		tries = uint(cc.MaxRetries)
	}
	base = 2 * time.Second
	if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
		base = d
	}
	max = 30 * time.Second
	if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
		max = d
	}
	return tries, base, max
}

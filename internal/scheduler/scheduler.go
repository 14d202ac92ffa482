// Package scheduler implements the lane-based run queue. Session lanes
// ("session:<key>") are hard-capped at one concurrent run, which is the
// only transcript concurrency control the gateway needs: no two runs for
// the same session can ever overlap. Named global lanes (cron, hook) run
// up to a configured capacity with no cross-session ordering.
//
// Queue modes decide what happens when work arrives for a busy lane:
// collect merges into the next pending batch, followup queues a separate
// unit, steer feeds the active run, interrupt cancels it. Overflow beyond
// the pending cap resolves by drop-old, drop-new, or summarize.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Named global lanes.
const (
	LaneCron = "cron"
	LaneHook = "hook"
)

// SessionLane returns the lane key for a session. Session lanes always run
// at capacity 1.
func SessionLane(sessionKey string) string {
	return "session:" + sessionKey
}

// ErrQueueOverflow is delivered to waiters whose unit was discarded by the
// overflow policy. Overflow is a policy outcome, not a failure of the lane.
var ErrQueueOverflow = errors.New("queue overflow: unit dropped")

// ErrStopped is delivered when work is scheduled against a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Mode is the queue mode applied when a lane is already busy.
type Mode string

const (
	ModeCollect   Mode = "collect"
	ModeFollowup  Mode = "followup"
	ModeSteer     Mode = "steer"
	ModeInterrupt Mode = "interrupt"
)

// OverflowPolicy resolves a pending list that exceeded its cap.
type OverflowPolicy string

const (
	DropOld   OverflowPolicy = "drop-old"
	DropNew   OverflowPolicy = "drop-new"
	Summarize OverflowPolicy = "summarize"
)

// RunFunc executes one dequeued unit. It must honor ctx cancellation.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// Outcome is delivered exactly once to every waiter of a unit.
type Outcome struct {
	Result *agent.RunResult
	Err    error
}

// ScheduleOpts overrides the config defaults for one enqueue.
type ScheduleOpts struct {
	Mode           Mode
	MaxConcurrent  int // global lanes only; session lanes are always 1
	OverflowCap    int
	OverflowPolicy OverflowPolicy
}

// steerBuffer bounds messages parked on an active run's steer feed.
const steerBuffer = 32

var tracer = otel.Tracer("clawgate/scheduler")

type unit struct {
	id       string
	req      agent.RunRequest
	ctx      context.Context // enqueue-time ctx; run ctx derives from it
	cancel   context.CancelFunc
	waiters  []chan Outcome
	steer    chan bus.InboundMessage
	enqueued time.Time
}

func (u *unit) deliver(o Outcome) {
	for _, w := range u.waiters {
		w <- o
	}
}

type lane struct {
	key      string
	capacity int
	running  []*unit
	pending  []*unit
}

// Scheduler owns all lanes. One mutex serializes every lane mutation;
// mutations are bookkeeping only, actual runs happen in per-unit goroutines.
type Scheduler struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	cfg     *config.Config
	run     RunFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewScheduler(cfg *config.Config, run RunFunc) *Scheduler {
	return &Scheduler{
		lanes: make(map[string]*lane),
		cfg:   cfg,
		run:   run,
	}
}

// Schedule enqueues a unit using the config's queue defaults.
func (s *Scheduler) Schedule(ctx context.Context, laneKey string, req agent.RunRequest) <-chan Outcome {
	return s.ScheduleWithOpts(ctx, laneKey, req, ScheduleOpts{})
}

// ScheduleWithOpts enqueues a unit of work. Never blocks: the returned
// channel (buffered, capacity 1) receives exactly one Outcome when the unit
// completes, fails, is cancelled, or is dropped by overflow policy.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, laneKey string, req agent.RunRequest, opts ScheduleOpts) <-chan Outcome {
	out := make(chan Outcome, 1)

	qc := s.cfg.QueueSnapshot()
	mode := opts.Mode
	if mode == "" {
		mode = Mode(qc.Mode)
	}
	if mode == "" {
		mode = ModeCollect
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		out <- Outcome{Err: ErrStopped}
		return out
	}

	ln := s.laneLocked(laneKey, opts, qc)

	switch mode {
	case ModeSteer:
		if active := ln.oldestRunning(); active != nil {
			s.steerLocked(ln, active, req, out)
			return out
		}
		// Idle lane: steer degenerates to a normal enqueue.

	case ModeInterrupt:
		for _, u := range ln.running {
			u.cancel()
		}
		if len(ln.running) > 0 {
			slog.Info("queue: interrupting active run", "lane", ln.key, "count", len(ln.running))
		}

	case ModeCollect:
		if tail := ln.tailPending(); tail != nil {
			tail.req.Batch = append(tail.req.Batch, req.Batch...)
			tail.waiters = append(tail.waiters, out)
			return out
		}
	}

	u := &unit{
		id:       uuid.NewString()[:8],
		req:      req,
		ctx:      ctx,
		waiters:  []chan Outcome{out},
		steer:    make(chan bus.InboundMessage, steerBuffer),
		enqueued: time.Now(),
	}
	ln.pending = append(ln.pending, u)

	s.applyOverflowLocked(ln, opts, qc)
	s.pumpLocked(ln)
	return out
}

// steerLocked attaches the batch to the active unit's steer feed and ties
// the caller's outcome to that run.
func (s *Scheduler) steerLocked(ln *lane, active *unit, req agent.RunRequest, out chan Outcome) {
	for _, m := range req.Batch {
		select {
		case active.steer <- m:
		default:
			slog.Warn("queue: steer feed full, message dropped", "lane", ln.key, "unit", active.id)
		}
	}
	active.waiters = append(active.waiters, out)
}

func (s *Scheduler) laneLocked(key string, opts ScheduleOpts, qc config.QueueConfig) *lane {
	ln, ok := s.lanes[key]
	if !ok {
		ln = &lane{key: key, capacity: laneCapacity(key, opts, qc)}
		s.lanes[key] = ln
	} else if !isSessionLane(key) && opts.MaxConcurrent > 0 {
		ln.capacity = opts.MaxConcurrent
	}
	return ln
}

func laneCapacity(key string, opts ScheduleOpts, qc config.QueueConfig) int {
	if isSessionLane(key) {
		return 1
	}
	if opts.MaxConcurrent > 0 {
		return opts.MaxConcurrent
	}
	if n, ok := qc.Lanes[key]; ok && n > 0 {
		return n
	}
	return 1
}

func isSessionLane(key string) bool {
	return strings.HasPrefix(key, "session:")
}

// applyOverflowLocked enforces the pending cap after an enqueue.
func (s *Scheduler) applyOverflowLocked(ln *lane, opts ScheduleOpts, qc config.QueueConfig) {
	limit := opts.OverflowCap
	if limit <= 0 {
		limit = qc.OverflowCap
	}
	if limit <= 0 || len(ln.pending) <= limit {
		return
	}

	policy := opts.OverflowPolicy
	if policy == "" {
		policy = OverflowPolicy(qc.OverflowPolicy)
	}

	switch policy {
	case DropNew:
		dropped := ln.pending[len(ln.pending)-1]
		ln.pending = ln.pending[:len(ln.pending)-1]
		slog.Info("queue: overflow", "lane", ln.key, "policy", policy, "dropped", dropped.id)
		dropped.deliver(Outcome{Err: ErrQueueOverflow})

	case Summarize:
		merged := ln.pending[0]
		merged.req.Summarize = true
		for _, u := range ln.pending[1:] {
			merged.req.Batch = append(merged.req.Batch, u.req.Batch...)
			merged.waiters = append(merged.waiters, u.waiters...)
		}
		slog.Info("queue: overflow", "lane", ln.key, "policy", policy, "collapsed", len(ln.pending))
		ln.pending = []*unit{merged}

	default: // drop-old
		dropped := ln.pending[0]
		ln.pending = ln.pending[1:]
		slog.Info("queue: overflow", "lane", ln.key, "policy", DropOld, "dropped", dropped.id)
		dropped.deliver(Outcome{Err: ErrQueueOverflow})
	}
}

// pumpLocked starts pending units while the lane has free capacity, oldest
// first.
func (s *Scheduler) pumpLocked(ln *lane) {
	for len(ln.running) < ln.capacity && len(ln.pending) > 0 {
		u := ln.pending[0]
		ln.pending = ln.pending[1:]
		s.startLocked(ln, u)
	}
	if len(ln.running) == 0 && len(ln.pending) == 0 {
		delete(s.lanes, ln.key)
	}
}

func (s *Scheduler) startLocked(ln *lane, u *unit) {
	parent := u.ctx
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	u.cancel = cancel
	u.req.Steer = u.steer
	ln.running = append(ln.running, u)

	s.wg.Add(1)
	go s.execute(ln.key, u, runCtx, cancel)
}

func (s *Scheduler) execute(laneKey string, u *unit, ctx context.Context, cancel context.CancelFunc) {
	defer s.wg.Done()
	defer cancel()

	ctx, span := tracer.Start(ctx, "queue.run")
	span.SetAttributes(
		attribute.String("lane", laneKey),
		attribute.String("session_key", u.req.SessionKey),
		attribute.String("run_id", u.req.RunID),
		attribute.Int64("queue_wait_ms", time.Since(u.enqueued).Milliseconds()),
	)

	var res *agent.RunResult
	var err error
	func() {
		// Panic boundary: one session's crash must never take down the
		// process or wedge its lane.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
				slog.Error("queue: executor panic", "lane", laneKey, "unit", u.id, "panic", r)
			}
		}()
		res, err = s.run(ctx, u.req)
	}()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	s.mu.Lock()
	if ln, ok := s.lanes[laneKey]; ok {
		ln.removeRunning(u)
		s.pumpLocked(ln)
	}
	s.mu.Unlock()

	u.deliver(Outcome{Result: res, Err: err})
}

// CancelSession cancels the active run and discards all pending units of a
// session's lane. Returns the number of units affected.
func (s *Scheduler) CancelSession(sessionKey string) int {
	s.mu.Lock()
	ln, ok := s.lanes[SessionLane(sessionKey)]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	n := len(ln.running)
	for _, u := range ln.running {
		u.cancel()
	}
	dropped := ln.pending
	ln.pending = nil
	n += len(dropped)
	s.mu.Unlock()

	for _, u := range dropped {
		u.deliver(Outcome{Err: context.Canceled})
	}
	return n
}

// CancelOneSession cancels only the active run of a session's lane, leaving
// pending units queued. Returns true when a run was cancelled.
func (s *Scheduler) CancelOneSession(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.lanes[SessionLane(sessionKey)]
	if !ok {
		return false
	}
	if u := ln.oldestRunning(); u != nil {
		u.cancel()
		return true
	}
	return false
}

// PendingCount reports queued (not running) units for a lane. Zero for
// unknown lanes.
func (s *Scheduler) PendingCount(laneKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.lanes[laneKey]; ok {
		return len(ln.pending)
	}
	return 0
}

// Stop cancels every active run, fails all pending units, and waits for
// in-flight executions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var dropped []*unit
	for _, ln := range s.lanes {
		for _, u := range ln.running {
			u.cancel()
		}
		dropped = append(dropped, ln.pending...)
		ln.pending = nil
	}
	s.mu.Unlock()

	for _, u := range dropped {
		u.deliver(Outcome{Err: ErrStopped})
	}
	s.wg.Wait()
}

func (l *lane) oldestRunning() *unit {
	if len(l.running) == 0 {
		return nil
	}
	return l.running[0]
}

func (l *lane) tailPending() *unit {
	if len(l.pending) == 0 {
		return nil
	}
	return l.pending[len(l.pending)-1]
}

func (l *lane) removeRunning(u *unit) {
	for i, r := range l.running {
		if r == u {
			l.running = append(l.running[:i], l.running[i+1:]...)
			return
		}
	}
}

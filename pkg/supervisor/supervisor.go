// Package supervisor runs the control loop that dispatches queued jobs to
// worker processes and polices the running set: reaping exits, orphaning
// stale jobs, and servicing abort requests.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/jobstore"
)

const (
	DefaultTickInterval     = time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultAbortGrace       = 5 * time.Second
	DefaultMaxWorkers       = 2

	abortPollDefault = 250 * time.Millisecond
)

// Config tunes the supervisor loop. Zero values take the defaults above.
type Config struct {
	TickInterval     time.Duration
	HeartbeatTimeout time.Duration
	AbortGrace       time.Duration
	AbortPoll        time.Duration
	MaxWorkers       int

	// ExecutablePath is the binary spawned for workers, normally the
	// supervisor's own executable.
	ExecutablePath string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = DefaultAbortGrace
	}
	if c.AbortPoll <= 0 {
		c.AbortPoll = abortPollDefault
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	return c
}

// workerHandle is a tracked child process.
type workerHandle interface {
	Pid() int
	// Done is closed once the process has exited and been waited on.
	Done() <-chan struct{}
}

// spawnFunc starts a worker for one claimed job.
type spawnFunc func(ctx context.Context, jobID string) (workerHandle, error)

// procControl abstracts signalling so tests need no real processes. Workers
// are spawned with their own process group; pid doubles as pgid.
type procControl interface {
	Alive(pid int) bool
	TerminateGroup(pid int) error
	KillGroup(pid int) error
}

// Supervisor owns the tick loop. It is single-threaded: all store writes on
// the control path happen from Run's goroutine.
type Supervisor struct {
	store    *jobstore.Store
	evidence *evidence.Store
	logger   *zap.Logger
	cfg      Config

	spawn spawnFunc
	procs procControl

	children map[string]workerHandle
}

func New(store *jobstore.Store, ev *evidence.Store, logger *zap.Logger, cfg Config) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		store:    store,
		evidence: ev,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		procs:    osProcs{},
		children: make(map[string]workerHandle),
	}
	s.spawn = s.execSpawn
	return s
}

// Run ticks until the context is cancelled, then performs a two-phase
// shutdown of every tracked worker.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Duration("heartbeat_timeout", s.cfg.HeartbeatTimeout),
		zap.Int("max_workers", s.cfg.MaxWorkers))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs one pass. Order matters: reap frees worker slots, stale and
// abort servicing may clear RUNNING rows, dispatch fills remaining slots.
func (s *Supervisor) tick(ctx context.Context, now time.Time) {
	s.reapChildren()
	s.detectStale(ctx, now)
	s.serviceAborts(ctx)
	s.dispatch(ctx)
}

// reapChildren drops tracking for exited workers. The worker writes its own
// terminal state; a worker that died without one is caught by detectStale's
// missing-process scan on a later tick.
func (s *Supervisor) reapChildren() {
	for jobID, h := range s.children {
		select {
		case <-h.Done():
			s.logger.Info("worker reaped", zap.String("job_id", jobID), zap.Int("pid", h.Pid()))
			delete(s.children, jobID)
		default:
		}
	}
}

// detectStale orphans RUNNING jobs whose heartbeat went silent, and RUNNING
// jobs whose worker process no longer exists (crash recovery after a
// control-plane restart included).
func (s *Supervisor) detectStale(ctx context.Context, now time.Time) {
	stale, err := s.store.FindStaleRunning(ctx, now, s.cfg.HeartbeatTimeout)
	if err != nil {
		s.logger.Warn("stale scan failed", zap.Error(err))
	}
	for i := range stale {
		job := &stale[i]
		alive := job.WorkerPID > 0 && s.procs.Alive(job.WorkerPID)
		if alive {
			if err := s.procs.KillGroup(job.WorkerPID); err != nil {
				s.logger.Warn("kill stale worker", zap.String("job_id", job.JobID), zap.Int("pid", job.WorkerPID), zap.Error(err))
			}
		}
		reason := fmt.Sprintf("no heartbeat for %s", job.HeartbeatAge(now).Round(time.Second))
		details := &jobstore.ErrorDetails{
			Kind:           jobstore.KindHeartbeatTimeout,
			Message:        reason,
			PID:            job.WorkerPID,
			ProcessMissing: !alive,
			OccurredAt:     now,
		}
		if err := s.store.MarkOrphaned(ctx, job.JobID, reason, details); err != nil {
			s.logger.Warn("orphan stale job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		delete(s.children, job.JobID)
		s.writeEvidence(ctx, job.JobID)
		s.logger.Warn("job orphaned", zap.String("job_id", job.JobID), zap.String("reason", reason))
	}

	running, err := s.store.ListRunning(ctx)
	if err != nil {
		s.logger.Warn("running scan failed", zap.Error(err))
		return
	}
	for i := range running {
		job := &running[i]
		if _, tracked := s.children[job.JobID]; tracked {
			continue
		}
		// An untracked job with a live pid predates this supervisor
		// process. Adopt it: its heartbeats keep it alive.
		if job.WorkerPID > 0 && s.procs.Alive(job.WorkerPID) {
			continue
		}
		// Claimed this tick but not yet heartbeat-stale and no process to
		// show for it. If the pid was never recorded the worker may still
		// be starting up; give it until the heartbeat timeout.
		if job.WorkerPID == 0 {
			continue
		}
		reason := "worker process exited without recording an outcome"
		details := &jobstore.ErrorDetails{
			Kind:           jobstore.KindHeartbeatTimeout,
			Message:        reason,
			PID:            job.WorkerPID,
			ProcessMissing: true,
			OccurredAt:     now,
		}
		if err := s.store.MarkOrphaned(ctx, job.JobID, reason, details); err != nil {
			s.logger.Warn("orphan abandoned job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		s.writeEvidence(ctx, job.JobID)
		s.logger.Warn("job orphaned", zap.String("job_id", job.JobID), zap.String("reason", reason))
	}
}

// serviceAborts resolves pending abort requests. Queued jobs are aborted in
// place; running jobs get SIGTERM to the process group, a grace window, then
// SIGKILL.
func (s *Supervisor) serviceAborts(ctx context.Context) {
	pending, err := s.store.FindAbortRequested(ctx)
	if err != nil {
		s.logger.Warn("abort scan failed", zap.Error(err))
		return
	}
	for i := range pending {
		job := &pending[i]
		switch job.State {
		case jobstore.StateQueued:
			details := &jobstore.ErrorDetails{
				Kind:       jobstore.KindAbortRequested,
				Message:    "abort requested before execution",
				OccurredAt: time.Now().UTC(),
			}
			if err := s.store.MarkAborted(ctx, job.JobID, "abort requested before execution", details); err != nil {
				s.logger.Warn("abort queued job", zap.String("job_id", job.JobID), zap.Error(err))
				continue
			}
			s.writeEvidence(ctx, job.JobID)
			s.logger.Info("queued job aborted", zap.String("job_id", job.JobID))

		case jobstore.StateRunning:
			s.abortRunning(ctx, job)
		}
	}
}

func (s *Supervisor) abortRunning(ctx context.Context, job *jobstore.JobRecord) {
	pid := job.WorkerPID
	if pid <= 0 {
		// Claimed but no worker attached yet; the worker observes the
		// abort flag through its heartbeat once it starts.
		return
	}

	missing := !s.procs.Alive(pid)
	if !missing {
		if err := s.procs.TerminateGroup(pid); err != nil {
			s.logger.Warn("terminate worker", zap.String("job_id", job.JobID), zap.Int("pid", pid), zap.Error(err))
		}
		deadline := time.Now().Add(s.cfg.AbortGrace)
		for s.procs.Alive(pid) && time.Now().Before(deadline) {
			time.Sleep(s.cfg.AbortPoll)
		}
		if s.procs.Alive(pid) {
			s.logger.Warn("worker ignored SIGTERM, escalating", zap.String("job_id", job.JobID), zap.Int("pid", pid))
			if err := s.procs.KillGroup(pid); err != nil {
				s.logger.Warn("kill worker", zap.String("job_id", job.JobID), zap.Int("pid", pid), zap.Error(err))
			}
		}
	}

	details := &jobstore.ErrorDetails{
		Kind:           jobstore.KindAbortRequested,
		Message:        "abort requested",
		PID:            pid,
		ProcessMissing: missing,
		OccurredAt:     time.Now().UTC(),
	}
	// No-op if the worker recorded ABORTED on its own before dying.
	if err := s.store.MarkAborted(ctx, job.JobID, "abort requested", details); err != nil {
		s.logger.Warn("abort running job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	delete(s.children, job.JobID)
	s.writeEvidence(ctx, job.JobID)
	s.logger.Info("running job aborted", zap.String("job_id", job.JobID), zap.Int("pid", pid))
}

// dispatch claims queued jobs and spawns workers up to the concurrency cap.
func (s *Supervisor) dispatch(ctx context.Context) {
	for len(s.children) < s.cfg.MaxWorkers {
		jobID, ok, err := s.store.FetchNextQueued(ctx)
		if err != nil {
			s.logger.Warn("claim next job failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}

		h, err := s.spawn(ctx, jobID)
		if err != nil {
			reason := fmt.Sprintf("worker spawn failed: %v", err)
			details := &jobstore.ErrorDetails{
				Kind:       jobstore.KindProcessStartFailed,
				Message:    reason,
				OccurredAt: time.Now().UTC(),
			}
			if err := s.store.MarkFailed(ctx, jobID, reason, details); err != nil {
				s.logger.Warn("fail unspawnable job", zap.String("job_id", jobID), zap.Error(err))
			}
			s.writeEvidence(ctx, jobID)
			s.logger.Error("worker spawn failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		s.children[jobID] = h
		s.logger.Info("worker spawned", zap.String("job_id", jobID), zap.Int("pid", h.Pid()))
	}
}

// shutdown terminates every tracked worker: SIGTERM all groups, wait out the
// grace window, SIGKILL stragglers. Jobs left RUNNING are orphaned or
// adopted by the next supervisor.
func (s *Supervisor) shutdown() {
	if len(s.children) == 0 {
		s.logger.Info("supervisor stopped")
		return
	}
	s.logger.Info("terminating workers", zap.Int("count", len(s.children)))
	for jobID, h := range s.children {
		if err := s.procs.TerminateGroup(h.Pid()); err != nil {
			s.logger.Warn("terminate worker", zap.String("job_id", jobID), zap.Int("pid", h.Pid()), zap.Error(err))
		}
	}

	deadline := time.Now().Add(s.cfg.AbortGrace)
	for time.Now().Before(deadline) {
		s.reapChildren()
		if len(s.children) == 0 {
			break
		}
		time.Sleep(s.cfg.AbortPoll)
	}
	for jobID, h := range s.children {
		s.logger.Warn("worker did not exit, killing", zap.String("job_id", jobID), zap.Int("pid", h.Pid()))
		_ = s.procs.KillGroup(h.Pid())
	}
	s.logger.Info("supervisor stopped")
}

// writeEvidence snapshots the job's current record into the manifest.
func (s *Supervisor) writeEvidence(ctx context.Context, jobID string) {
	if s.evidence == nil {
		return
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("evidence job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	m := &evidence.Manifest{
		JobID:       job.JobID,
		JobType:     job.JobType,
		State:       string(job.State),
		CreatedAt:   job.CreatedAt,
		EndedAt:     &now,
		StateReason: job.StateReason,
	}
	if job.ErrorDetails != nil {
		m.ErrorKind = string(job.ErrorDetails.Kind)
	}
	if err := s.evidence.Write(m); err != nil {
		s.logger.Warn("write evidence manifest", zap.String("job_id", jobID), zap.Error(err))
	}
}

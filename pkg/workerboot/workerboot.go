// Package workerboot is the in-process lifecycle of one spawned worker:
// spec decode, handler dispatch, heartbeating, and terminal state writes.
package workerboot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobspec"
	"github.com/fenlight/conductor/pkg/jobstore"
)

const (
	// DefaultHeartbeatInterval is how often a worker refreshes its
	// liveness row while a handler runs.
	DefaultHeartbeatInterval = 2 * time.Second

	// maxTraceBytes bounds the panic trace persisted in error details.
	maxTraceBytes = 16 * 1024
)

// ErrJobNotClaimed means the job was not in RUNNING when the worker started.
// The worker must not touch such a job, and the process exits non-zero so the
// lost claim is visible to whoever spawned it.
var ErrJobNotClaimed = errors.New("job is not claimed for execution")

// Options configures one worker run.
type Options struct {
	Store             *jobstore.Store
	Registry          *handler.Registry
	Evidence          *evidence.Store
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	WorkerID          string
}

// Run executes a single already-claimed job to a terminal state. It is the
// body of the hidden worker subcommand, but takes plain dependencies so
// tests can drive it in-process.
//
// The returned error covers infrastructure failures only; a job that ends
// FAILED or ABORTED is a completed run.
func Run(ctx context.Context, opts Options, jobID string) error {
	if opts.Store == nil {
		return fmt.Errorf("job store is required")
	}
	if opts.Registry == nil {
		return fmt.Errorf("handler registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	logger = logger.With(zap.String("worker_id", workerID), zap.String("job_id", jobID))

	job, err := opts.Store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	// The dispatcher claims the job before spawning; anything else means
	// the claim was lost (crash, restart, manual intervention).
	if job.State != jobstore.StateRunning {
		logger.Warn("job is not claimed for execution, exiting", zap.String("state", string(job.State)))
		return fmt.Errorf("%w (state %s)", ErrJobNotClaimed, job.State)
	}

	startedAt := time.Now().UTC()
	pid := os.Getpid()
	hostname, _ := os.Hostname()

	fail := func(kind jobstore.ErrorKind, msg string) error {
		details := &jobstore.ErrorDetails{Kind: kind, Message: msg, PID: pid, OccurredAt: time.Now().UTC()}
		if err := opts.Store.MarkFailed(ctx, jobID, msg, details); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		writeFinalEvidence(ctx, opts, logger, jobID, startedAt)
		logger.Info("job failed before execution", zap.String("kind", string(kind)), zap.String("reason", msg))
		return nil
	}

	spec, err := jobspec.Decode(job.Spec)
	if err != nil {
		return fail(jobstore.KindSpecParseError, fmt.Sprintf("spec parse failed: %v", err))
	}
	h, ok := opts.Registry.Resolve(spec.JobType)
	if !ok {
		return fail(jobstore.KindUnknownHandler, fmt.Sprintf("no handler registered for job type %q", spec.JobType))
	}
	if err := h.Validate(spec.Params); err != nil {
		return fail(jobstore.KindValidationError, fmt.Sprintf("parameter validation failed: %v", err))
	}

	// The worker row only exists once the job is actually going to run; a
	// failure before validation never registers.
	if err := opts.Store.RegisterWorker(ctx, jobstore.WorkerRecord{
		WorkerID:     workerID,
		PID:          pid,
		CurrentJobID: jobID,
		Status:       jobstore.WorkerBusy,
		SpawnedAt:    startedAt,
		Hostname:     hostname,
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer func() {
		if err := opts.Store.MarkWorkerExited(context.Background(), workerID); err != nil {
			logger.Warn("mark worker exited", zap.Error(err))
		}
	}()

	if err := opts.Store.MarkRunning(ctx, jobID, workerID, pid); err != nil {
		// Another worker already owns this job. Do not touch it.
		logger.Warn("could not take job ownership, exiting", zap.Error(err))
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := &heartbeat{}
	stopHeartbeat := startHeartbeat(runCtx, opts.Store, logger, jobID, workerID, pid, interval, hb, cancel)

	jc := &handler.JobContext{
		JobID:   jobID,
		Report:  hb.report,
		Aborted: hb.abortSeen,
	}
	result, runErr := runHandler(runCtx, h, jc, spec.Params)

	stopHeartbeat()

	switch {
	case hb.abortSeen():
		details := &jobstore.ErrorDetails{
			Kind:       jobstore.KindAbortRequested,
			Message:    "abort requested",
			PID:        pid,
			OccurredAt: time.Now().UTC(),
		}
		if err := opts.Store.MarkAborted(ctx, jobID, "abort requested", details); err != nil {
			return fmt.Errorf("mark aborted: %w", err)
		}
		logger.Info("job aborted")
	case runErr != nil:
		details := &jobstore.ErrorDetails{
			Kind:       jobstore.KindExecutionError,
			Message:    runErr.Error(),
			PID:        pid,
			Trace:      runErr.trace,
			OccurredAt: time.Now().UTC(),
		}
		if err := opts.Store.MarkFailed(ctx, jobID, runErr.Error(), details); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		logger.Info("job failed", zap.String("reason", runErr.Error()))
	default:
		if err := opts.Store.MarkSucceeded(ctx, jobID, result); err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		logger.Info("job succeeded", zap.Duration("elapsed", time.Since(startedAt)))
	}

	writeFinalEvidence(ctx, opts, logger, jobID, startedAt)
	return nil
}

// heartbeat holds the latest progress report and the abort flag shared
// between the handler goroutine and the heartbeat ticker.
type heartbeat struct {
	mu       sync.Mutex
	progress *float64
	phase    *string
	aborted  atomic.Bool
}

func (hb *heartbeat) report(progress float64, phase string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	p := progress
	hb.progress = &p
	if phase != "" {
		ph := phase
		hb.phase = &ph
	}
}

func (hb *heartbeat) snapshot() (*float64, *string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.progress, hb.phase
}

func (hb *heartbeat) abortSeen() bool {
	return hb.aborted.Load()
}

// startHeartbeat refreshes the job's liveness row on a fixed cadence and
// watches for an abort request, cancelling the handler context when one
// lands. The returned func stops the ticker and waits for the goroutine.
func startHeartbeat(ctx context.Context, store *jobstore.Store, logger *zap.Logger, jobID, workerID string, pid int, interval time.Duration, hb *heartbeat, cancel context.CancelFunc) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				progress, phase := hb.snapshot()
				if err := store.UpdateHeartbeat(ctx, jobID, progress, phase); err != nil {
					logger.Warn("heartbeat write failed", zap.Error(err))
				}
				recordMetrics(ctx, store, workerID, pid)

				job, err := store.Get(ctx, jobID)
				if err != nil {
					logger.Warn("heartbeat job lookup failed", zap.Error(err))
					continue
				}
				if job.AbortRequested && !hb.aborted.Swap(true) {
					logger.Info("abort request observed, cancelling handler")
					cancel()
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		<-stopped
	}
}

func recordMetrics(ctx context.Context, store *jobstore.Store, workerID string, pid int) {
	var rss int64
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rss = int64(mi.RSS)
		}
	}
	_ = store.RecordWorkerMetrics(ctx, workerID, rss, runtime.NumGoroutine())
}

// runError carries the handler failure plus an optional panic trace.
type runError struct {
	msg   string
	trace string
}

func (e *runError) Error() string { return e.msg }

// runHandler invokes the handler with panic containment: a panicking
// handler fails its own job instead of taking the worker down.
func runHandler(ctx context.Context, h handler.Handler, jc *handler.JobContext, params map[string]any) (result []byte, rerr *runError) {
	defer func() {
		if r := recover(); r != nil {
			trace := debug.Stack()
			if len(trace) > maxTraceBytes {
				trace = trace[:maxTraceBytes]
			}
			rerr = &runError{
				msg:   fmt.Sprintf("handler panic: %v", r),
				trace: string(trace),
			}
		}
	}()

	out, err := h.Run(ctx, jc, params)
	if err != nil {
		return nil, &runError{msg: err.Error()}
	}
	return out, nil
}

// writeFinalEvidence snapshots the job's terminal record into the durable
// manifest. Best effort; the store row remains authoritative.
func writeFinalEvidence(ctx context.Context, opts Options, logger *zap.Logger, jobID string, startedAt time.Time) {
	if opts.Evidence == nil {
		return
	}
	job, err := opts.Store.Get(ctx, jobID)
	if err != nil {
		logger.Warn("evidence job lookup failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	m := &evidence.Manifest{
		JobID:       job.JobID,
		JobType:     job.JobType,
		State:       string(job.State),
		CreatedAt:   job.CreatedAt,
		StartedAt:   &startedAt,
		EndedAt:     &now,
		StateReason: job.StateReason,
	}
	if job.ErrorDetails != nil {
		m.ErrorKind = string(job.ErrorDetails.Kind)
	}
	if err := opts.Evidence.Write(m); err != nil {
		logger.Warn("write evidence manifest", zap.Error(err))
	}
}

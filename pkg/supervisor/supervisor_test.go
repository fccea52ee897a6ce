package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobspec"
	"github.com/fenlight/conductor/pkg/jobstore"
	"github.com/fenlight/conductor/pkg/workerboot"
)

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := jobstore.Open(ctx, jobstore.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func submitJob(t *testing.T, store *jobstore.Store, jobType string, params map[string]any) string {
	t.Helper()
	raw, err := jobspec.New(jobType, params, nil).Encode()
	require.NoError(t, err)
	id, err := store.Submit(context.Background(), jobstore.NewJob{
		JobType:      jobType,
		Spec:         raw,
		InitialState: jobstore.StateQueued,
	})
	require.NoError(t, err)
	return id
}

// fakeWorker satisfies workerHandle without a real process.
type fakeWorker struct {
	pid  int
	done chan struct{}
}

func newFakeWorker(pid int) *fakeWorker {
	return &fakeWorker{pid: pid, done: make(chan struct{})}
}

func (w *fakeWorker) Pid() int              { return w.pid }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }
func (w *fakeWorker) exit()                 { close(w.done) }

// fakeProcs records signals and tracks simulated liveness.
type fakeProcs struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
	killed     []int
	dieOnTerm  bool
	dieOnKill  bool
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: make(map[int]bool), dieOnKill: true}
}

func (p *fakeProcs) setAlive(pid int, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = alive
}

func (p *fakeProcs) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProcs) TerminateGroup(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, pid)
	if p.dieOnTerm {
		p.alive[pid] = false
	}
	return nil
}

func (p *fakeProcs) KillGroup(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, pid)
	if p.dieOnKill {
		p.alive[pid] = false
	}
	return nil
}

func newTestSupervisor(t *testing.T, store *jobstore.Store, procs *fakeProcs) *Supervisor {
	t.Helper()
	s := New(store, evidence.NewStore(t.TempDir()), nil, Config{
		TickInterval:     10 * time.Millisecond,
		HeartbeatTimeout: 30 * time.Second,
		AbortGrace:       100 * time.Millisecond,
		AbortPoll:        10 * time.Millisecond,
		MaxWorkers:       2,
	})
	s.procs = procs
	return s
}

func backdateHeartbeat(t *testing.T, store *jobstore.Store, jobID string, age time.Duration) {
	t.Helper()
	when := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := store.DB().Exec(`UPDATE jobs SET last_heartbeat = ? WHERE job_id = ?`, when, jobID)
	require.NoError(t, err)
}

func setWorkerPid(t *testing.T, store *jobstore.Store, jobID string, pid int) {
	t.Helper()
	require.NoError(t, store.MarkRunning(context.Background(), jobID, "w-"+jobID, pid))
}

func TestDispatchRespectsWorkerCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	s := newTestSupervisor(t, store, procs)

	var spawned []string
	s.spawn = func(_ context.Context, jobID string) (workerHandle, error) {
		spawned = append(spawned, jobID)
		return newFakeWorker(1000 + len(spawned)), nil
	}

	for i := 0; i < 3; i++ {
		submitJob(t, store, "ECHO", map[string]any{"i": i})
	}

	s.tick(ctx, time.Now().UTC())
	assert.Len(t, spawned, 2, "cap of two workers")
	assert.Len(t, s.children, 2)

	queued, err := store.List(ctx, jobstore.StateQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestDispatchAfterReapFillsFreedSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := newTestSupervisor(t, store, newFakeProcs())

	workers := make(map[string]*fakeWorker)
	s.spawn = func(_ context.Context, jobID string) (workerHandle, error) {
		w := newFakeWorker(2000 + len(workers))
		workers[jobID] = w
		return w, nil
	}

	a := submitJob(t, store, "ECHO", map[string]any{"n": 1})
	b := submitJob(t, store, "ECHO", map[string]any{"n": 2})
	c := submitJob(t, store, "ECHO", map[string]any{"n": 3})

	s.tick(ctx, time.Now().UTC())
	require.Len(t, s.children, 2)
	_, cSpawned := workers[c]
	require.False(t, cSpawned)

	// first worker finishes its job and exits
	require.NoError(t, store.MarkSucceeded(ctx, a, nil))
	workers[a].exit()
	// keep the other job fresh so the missing-process scan skips it
	backdateHeartbeat(t, store, b, 0)
	setWorkerPid(t, store, b, workers[b].pid)
	s.procs.(*fakeProcs).setAlive(workers[b].pid, true)

	s.tick(ctx, time.Now().UTC())
	_, cSpawned = workers[c]
	assert.True(t, cSpawned, "freed slot is refilled")
	assert.Len(t, s.children, 2)
}

func TestDispatchSpawnFailureMarksFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := newTestSupervisor(t, store, newFakeProcs())
	s.spawn = func(context.Context, string) (workerHandle, error) {
		return nil, fmt.Errorf("fork: resource temporarily unavailable")
	}

	id := submitJob(t, store, "ECHO", map[string]any{})
	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindProcessStartFailed, job.ErrorDetails.Kind)
	assert.Empty(t, s.children)

	m, err := s.evidence.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", m.State)
	assert.Equal(t, string(jobstore.KindProcessStartFailed), m.ErrorKind)
}

func TestStaleRunningOrphanedAndKilled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	s := newTestSupervisor(t, store, procs)
	s.spawn = func(_ context.Context, _ string) (workerHandle, error) {
		return newFakeWorker(4242), nil
	}

	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(60000)})
	s.tick(ctx, time.Now().UTC())
	setWorkerPid(t, store, id, 4242)
	procs.setAlive(4242, true)
	backdateHeartbeat(t, store, id, time.Minute)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateOrphaned, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindHeartbeatTimeout, job.ErrorDetails.Kind)
	assert.False(t, job.ErrorDetails.ProcessMissing)
	assert.Contains(t, procs.killed, 4242, "hung worker group is killed")
	assert.Empty(t, s.children)
}

func TestMissingProcessOrphanedAfterRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	// a fresh supervisor with no tracked children simulates a restart
	s := newTestSupervisor(t, store, procs)

	id := submitJob(t, store, "ECHO", map[string]any{})
	_, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	setWorkerPid(t, store, id, 5555)
	procs.setAlive(5555, false)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateOrphaned, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.True(t, job.ErrorDetails.ProcessMissing)
}

func TestLiveUntrackedWorkerIsAdopted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	s := newTestSupervisor(t, store, procs)

	id := submitJob(t, store, "ECHO", map[string]any{})
	_, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	setWorkerPid(t, store, id, 6666)
	procs.setAlive(6666, true)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateRunning, job.State, "live worker from a prior supervisor keeps its job")
}

func TestAbortQueuedJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := newTestSupervisor(t, store, newFakeProcs())
	s.spawn = func(context.Context, string) (workerHandle, error) {
		t.Fatal("aborted queued job must not be dispatched")
		return nil, nil
	}

	id := submitJob(t, store, "ECHO", map[string]any{})
	requested, err := store.RequestAbort(ctx, id)
	require.NoError(t, err)
	require.True(t, requested)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAborted, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindAbortRequested, job.ErrorDetails.Kind)

	m, err := s.evidence.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", m.State)
}

func TestAbortRunningGracefulTermination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	procs.dieOnTerm = true
	s := newTestSupervisor(t, store, procs)

	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(60000)})
	_, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	setWorkerPid(t, store, id, 7001)
	procs.setAlive(7001, true)
	_, err = store.RequestAbort(ctx, id)
	require.NoError(t, err)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAborted, job.State)
	assert.Contains(t, procs.terminated, 7001)
	assert.Empty(t, procs.killed, "no escalation when SIGTERM suffices")
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, 7001, job.ErrorDetails.PID)
	assert.False(t, job.ErrorDetails.ProcessMissing)
}

func TestAbortRunningEscalatesToKill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	procs.dieOnTerm = false // worker ignores SIGTERM
	s := newTestSupervisor(t, store, procs)

	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(60000)})
	_, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	setWorkerPid(t, store, id, 7002)
	procs.setAlive(7002, true)
	_, err = store.RequestAbort(ctx, id)
	require.NoError(t, err)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAborted, job.State)
	assert.Contains(t, procs.terminated, 7002)
	assert.Contains(t, procs.killed, 7002)
}

func TestAbortRunningProcessAlreadyGone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	s := newTestSupervisor(t, store, procs)

	id := submitJob(t, store, "ECHO", map[string]any{})
	_, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	setWorkerPid(t, store, id, 7003)
	procs.setAlive(7003, false)
	_, err = store.RequestAbort(ctx, id)
	require.NoError(t, err)

	s.tick(ctx, time.Now().UTC())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAborted, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.True(t, job.ErrorDetails.ProcessMissing)
	assert.Empty(t, procs.terminated)
	assert.Empty(t, procs.killed)
}

func TestEndToEndEchoJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	procs := newFakeProcs()
	s := newTestSupervisor(t, store, procs)

	// in-process spawner: runs the worker lifecycle in a goroutine so the
	// full dispatch-execute-reap path is exercised without real processes
	s.spawn = func(ctx context.Context, jobID string) (workerHandle, error) {
		w := newFakeWorker(8000)
		go func() {
			defer w.exit()
			_ = workerboot.Run(ctx, workerboot.Options{
				Store:             store,
				Registry:          handler.Default(),
				Evidence:          s.evidence,
				HeartbeatInterval: 20 * time.Millisecond,
			}, jobID)
		}()
		return w, nil
	}

	id := submitJob(t, store, "ECHO", map[string]any{"message": "round trip"})

	deadline := time.Now().Add(10 * time.Second)
	for {
		s.tick(ctx, time.Now().UTC())
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		if jobstore.IsTerminal(job.State) {
			assert.Equal(t, jobstore.StateSucceeded, job.State)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish in time")
		time.Sleep(20 * time.Millisecond)
	}

	// reaped on a later tick
	s.tick(ctx, time.Now().UTC())
	assert.Empty(t, s.children)

	m, err := s.evidence.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", m.State)
}

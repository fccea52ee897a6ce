package workerboot

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobspec"
	"github.com/fenlight/conductor/pkg/jobstore"
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

func claimJob(t *testing.T, store *jobstore.Store, want string) {
	t.Helper()
	id, ok, err := store.FetchNextQueued(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, id)
}

func testOptions(t *testing.T, store *jobstore.Store, reg *handler.Registry) Options {
	t.Helper()
	return Options{
		Store:             store,
		Registry:          reg,
		Evidence:          evidence.NewStore(t.TempDir()),
		HeartbeatInterval: 50 * time.Millisecond,
		WorkerID:          "test-worker",
	}
}

func TestRunEchoSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "ECHO", map[string]any{"message": "hi"})
	claimJob(t, store, id)

	opts := testOptions(t, store, handler.Default())
	require.NoError(t, Run(ctx, opts, id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateSucceeded, job.State)
	assert.Empty(t, job.WorkerID, "terminal transition clears worker ownership")

	var result map[string]any
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "hi", result["message"])

	m, err := opts.Evidence.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", m.State)
	require.NotNil(t, m.StartedAt)
	require.NotNil(t, m.EndedAt)

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, jobstore.WorkerExited, workers[0].Status)
}

func TestRunFailsOnUnknownHandler(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "NO_SUCH_TYPE", map[string]any{})
	claimJob(t, store, id)

	require.NoError(t, Run(ctx, testOptions(t, store, handler.Default()), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindUnknownHandler, job.ErrorDetails.Kind)
}

func TestRunFailsOnSpecParse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Submit(ctx, jobstore.NewJob{
		JobType:      "ECHO",
		Spec:         json.RawMessage(`{"version": 99, "job_type": "ECHO"}`),
		InitialState: jobstore.StateQueued,
	})
	require.NoError(t, err)
	claimJob(t, store, id)

	require.NoError(t, Run(ctx, testOptions(t, store, handler.Default()), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindSpecParseError, job.ErrorDetails.Kind)
}

func TestRunFailsOnValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(-1)})
	claimJob(t, store, id)

	require.NoError(t, Run(ctx, testOptions(t, store, handler.Default()), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindValidationError, job.ErrorDetails.Kind)
}

func TestRunAbortCancelsHandler(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(30_000)})
	claimJob(t, store, id)

	requested, err := store.RequestAbort(ctx, id)
	require.NoError(t, err)
	require.True(t, requested)

	start := time.Now()
	require.NoError(t, Run(ctx, testOptions(t, store, handler.Default()), id))
	assert.Less(t, time.Since(start), 5*time.Second, "abort must interrupt the sleep")

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAborted, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindAbortRequested, job.ErrorDetails.Kind)
}

type panicHandler struct{}

func (panicHandler) Type() string                      { return "PANIC" }
func (panicHandler) Validate(map[string]any) error     { return nil }
func (panicHandler) Run(context.Context, *handler.JobContext, map[string]any) (json.RawMessage, error) {
	panic("boom")
}

func TestRunContainsHandlerPanic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "PANIC", map[string]any{})
	claimJob(t, store, id)

	reg := handler.MustNewRegistry(panicHandler{})
	require.NoError(t, Run(ctx, testOptions(t, store, reg), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, jobstore.KindExecutionError, job.ErrorDetails.Kind)
	assert.Contains(t, job.ErrorDetails.Message, "boom")
	assert.NotEmpty(t, job.ErrorDetails.Trace)
}

type reportingHandler struct{}

func (reportingHandler) Type() string                  { return "REPORT" }
func (reportingHandler) Validate(map[string]any) error { return nil }
func (reportingHandler) Run(ctx context.Context, jc *handler.JobContext, _ map[string]any) (json.RawMessage, error) {
	jc.Report(0.5, "halfway")
	time.Sleep(200 * time.Millisecond) // let a heartbeat tick flush the report
	return json.RawMessage(`{}`), nil
}

func TestRunFlushesProgressReports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "REPORT", map[string]any{})
	claimJob(t, store, id)

	reg := handler.MustNewRegistry(reportingHandler{})
	require.NoError(t, Run(ctx, testOptions(t, store, reg), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateSucceeded, job.State)
	assert.InDelta(t, 0.5, job.Progress, 1e-9)
	assert.Equal(t, "halfway", job.Phase)
}

func TestRunUnclaimedJobExitsNonZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "ECHO", map[string]any{"message": "x"})

	// Still QUEUED: the claim never happened, so the worker must refuse the
	// job and surface an error (a non-zero process exit for the subcommand).
	err := Run(ctx, testOptions(t, store, handler.Default()), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotClaimed)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateQueued, job.State, "unclaimed job is left untouched")

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers, "no worker row for a refused job")
}

func TestRunPreValidationFailureLeavesNoWorkerRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := submitJob(t, store, "SLEEP", map[string]any{"duration_ms": float64(-1)})
	claimJob(t, store, id)

	require.NoError(t, Run(ctx, testOptions(t, store, handler.Default()), id))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, job.State)

	// Registration happens only once the job passes validation.
	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

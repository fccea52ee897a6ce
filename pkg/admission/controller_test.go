package admission

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobstore"
)

func newTestController(t *testing.T) (*Controller, *jobstore.Store, *evidence.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := jobstore.Open(ctx, jobstore.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ev := evidence.NewStore(t.TempDir())
	c := NewController(store, handler.Default(), ev, zap.NewNop())
	return c, store, ev
}

func TestSubmitAdmitsEcho(t *testing.T) {
	c, store, ev := newTestController(t)
	ctx := context.Background()

	res, err := c.Submit(ctx, SubmitRequest{
		JobType: "ECHO",
		Params:  map[string]any{"message": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateQueued, res.State)
	assert.True(t, res.Bundle.Admissible())
	assert.NotEmpty(t, res.Bundle.ParamsHash)

	job, err := store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateQueued, job.State)
	assert.Equal(t, res.Bundle.ParamsHash, job.ParamsHash)

	m, err := ev.Read(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(jobstore.StateQueued), m.State)
	assert.Nil(t, m.EndedAt)
}

func TestSubmitRejectsOutOfRangeParams(t *testing.T) {
	c, store, ev := newTestController(t)
	ctx := context.Background()

	res, err := c.Submit(ctx, SubmitRequest{
		JobType: "SLEEP",
		Params:  map[string]any{"duration_ms": float64(handler.MaxSleepMs + 1)},
	})
	require.NoError(t, err, "policy rejection is a recorded outcome, not an error")
	assert.Equal(t, jobstore.StateRejected, res.State)
	assert.Contains(t, res.Bundle.FailedNames(), CheckParamsValid)

	job, err := store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateRejected, job.State)
	assert.Contains(t, job.StateReason, CheckParamsValid)

	m, err := ev.Read(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(jobstore.StateRejected), m.State)
	assert.Contains(t, m.FailedChecks, CheckParamsValid)
	require.NotNil(t, m.EndedAt)
}

func TestSubmitRejectsUnknownJobType(t *testing.T) {
	c, _, _ := newTestController(t)

	res, err := c.Submit(context.Background(), SubmitRequest{
		JobType: "NO_SUCH_TYPE",
		Params:  map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateRejected, res.State)
	assert.Contains(t, res.Bundle.FailedNames(), CheckHandlerRegistered)
}

func TestSubmitRejectsDuplicateActiveFingerprint(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	params := map[string]any{"message": "same"}

	first, err := c.Submit(ctx, SubmitRequest{JobType: "ECHO", Params: params})
	require.NoError(t, err)
	require.Equal(t, jobstore.StateQueued, first.State)

	second, err := c.Submit(ctx, SubmitRequest{JobType: "ECHO", Params: params})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateRejected, second.State)
	assert.Contains(t, second.Bundle.FailedNames(), CheckFingerprintUnique)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestSubmitAllowsResubmitAfterTerminalFailure(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	params := map[string]any{"message": "retry"}

	first, err := c.Submit(ctx, SubmitRequest{JobType: "ECHO", Params: params})
	require.NoError(t, err)

	claimedID, ok, err := store.FetchNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.JobID, claimedID)
	require.NoError(t, store.MarkFailed(ctx, first.JobID, "handler returned error", nil))

	second, err := c.Submit(ctx, SubmitRequest{JobType: "ECHO", Params: params})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateQueued, second.State)
}

func TestSubmitRejectionDoesNotHoldFingerprint(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	params := map[string]any{"duration_ms": float64(handler.MaxSleepMs + 1)}

	first, err := c.Submit(ctx, SubmitRequest{JobType: "SLEEP", Params: params})
	require.NoError(t, err)
	require.Equal(t, jobstore.StateRejected, first.State)

	// a second identical rejected submission must not trip the uniqueness
	// index: REJECTED rows never reserve a fingerprint
	second, err := c.Submit(ctx, SubmitRequest{JobType: "SLEEP", Params: params})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateRejected, second.State)
	assert.NotContains(t, second.Bundle.FailedNames(), CheckFingerprintUnique)
}

func TestSubmitSameParamsDifferentTypeAdmitted(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	params := map[string]any{"duration_ms": float64(10)}

	first, err := c.Submit(ctx, SubmitRequest{JobType: "SLEEP", Params: params})
	require.NoError(t, err)
	require.Equal(t, jobstore.StateQueued, first.State)

	second, err := c.Submit(ctx, SubmitRequest{JobType: "ECHO", Params: params})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateQueued, second.State)
}

func TestSubmitRequiresJobType(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Submit(context.Background(), SubmitRequest{JobType: "  "})
	require.Error(t, err)
}

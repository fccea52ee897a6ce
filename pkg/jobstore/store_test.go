package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "jobs.db")
	s, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.List(context.Background(), "")
	assert.NoError(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	submitQueued(t, s, "ECHO", "keepme")
	require.NoError(t, s.Close())

	// Reopen repeatedly; migration must never disturb existing data.
	for i := 0; i < 3; i++ {
		s, err = Open(ctx, Config{Path: path})
		require.NoError(t, err)

		var version int
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
		assert.Equal(t, SchemaVersion, version)

		jobs, err := s.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "keepme", jobs[0].ParamsHash)
		require.NoError(t, s.Close())
	}
}

func TestMigrateRepairsInvalidStates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	id := submitQueued(t, s, "ECHO", "")

	// Simulate a corrupt row written by a newer or broken build.
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET state = 'EXPLODED' WHERE job_id = ?`, id)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateOrphaned, rec.State)
	assert.Equal(t, "invalid state repaired", rec.StateReason)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateQueued, StateRunning))
	assert.True(t, CanTransition(StateQueued, StateAborted))
	assert.True(t, CanTransition(StateRunning, StateSucceeded))
	assert.True(t, CanTransition(StateRunning, StateFailed))
	assert.True(t, CanTransition(StateRunning, StateAborted))
	assert.True(t, CanTransition(StateRunning, StateOrphaned))

	assert.False(t, CanTransition(StateQueued, StateSucceeded))
	assert.False(t, CanTransition(StateQueued, StateRejected), "REJECTED only at submission")
	assert.False(t, CanTransition(StateSucceeded, StateRunning))
	assert.False(t, CanTransition(StateAborted, StateQueued))

	for _, terminal := range []JobState{StateSucceeded, StateFailed, StateAborted, StateOrphaned, StateRejected} {
		assert.True(t, IsTerminal(terminal))
		for _, to := range States() {
			assert.False(t, CanTransition(terminal, to), "%s must have no outbound edges", terminal)
		}
	}
	assert.False(t, IsTerminal(StateQueued))
	assert.False(t, IsTerminal(StateRunning))
}

func TestHeartbeatAge(t *testing.T) {
	now := time.Now()
	rec := &JobRecord{}
	assert.Zero(t, rec.HeartbeatAge(now))

	past := now.Add(-42 * time.Second)
	rec.LastHeartbeat = &past
	assert.Equal(t, 42*time.Second, rec.HeartbeatAge(now))

	future := now.Add(time.Minute)
	rec.LastHeartbeat = &future
	assert.Zero(t, rec.HeartbeatAge(now), "clock skew clamps to zero")
}

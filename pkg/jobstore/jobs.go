package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `job_id, job_type, spec, state, state_reason, result, params_hash,
	created_at, updated_at, worker_id, worker_pid, last_heartbeat,
	abort_requested, progress, phase, error_details`

// Submit inserts a new job record in its initial state (QUEUED or REJECTED).
// A non-empty params hash that collides with an active record of the same
// job type fails with ErrDuplicateFingerprint.
func (s *Store) Submit(ctx context.Context, job NewJob) (string, error) {
	if strings.TrimSpace(job.JobType) == "" {
		return "", errors.New("job_type is required")
	}
	switch job.InitialState {
	case StateQueued, StateRejected:
	default:
		return "", fmt.Errorf("%w: initial state %q", ErrIllegalTransition, job.InitialState)
	}

	jobID := uuid.New().String()
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, job_type, spec, state, state_reason, params_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, job.JobType, string(job.Spec), string(job.InitialState), job.StateReason, job.ParamsHash, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: job_type=%s", ErrDuplicateFingerprint, job.JobType)
		}
		return "", fmt.Errorf("insert job: %w", err)
	}
	return jobID, nil
}

// Get returns the job record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, strings.TrimSpace(jobID))
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns jobs ordered newest-first, optionally filtered by state.
func (s *Store) List(ctx context.Context, stateFilter JobState) ([]JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if stateFilter != "" {
		query += ` WHERE state = ?`
		args = append(args, string(stateFilter))
	}
	query += ` ORDER BY created_at DESC, job_id DESC`
	return s.queryJobs(ctx, query, args...)
}

// FetchNextQueued atomically claims the oldest QUEUED job without a pending
// abort, moves it to RUNNING, and returns its id. The claim seeds
// last_heartbeat so a worker that never boots still goes stale. Returns
// ok=false when nothing is claimable.
//
// This is the single dispatch point: the conditional UPDATE guarantees two
// concurrent callers can never claim the same job.
func (s *Store) FetchNextQueued(ctx context.Context) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id FROM jobs
		 WHERE state = ? AND abort_requested = 0
		 ORDER BY created_at ASC, job_id ASC
		 LIMIT 16`,
		string(StateQueued),
	)
	if err != nil {
		return "", false, fmt.Errorf("list queued: %w", err)
	}

	candidates := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return "", false, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return "", false, err
	}
	_ = rows.Close()

	now := fmtTime(time.Now())
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET state = ?, last_heartbeat = ?, updated_at = ?
			 WHERE job_id = ? AND state = ? AND abort_requested = 0`,
			string(StateRunning), now, now, id, string(StateQueued),
		)
		if err != nil {
			return "", false, fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", false, err
		}
		if affected == 0 {
			continue
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit claim: %w", err)
		}
		return id, true, nil
	}
	return "", false, nil
}

// MarkRunning stamps the claiming worker's identity onto a freshly claimed
// RUNNING job. It is legal exactly once per RUNNING episode; a repeat call
// by the same worker is a no-op, a call by a different worker is an
// ErrIllegalTransition since it would break at-most-one-running-worker.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string, pid int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	var curWorker sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT state, worker_id FROM jobs WHERE job_id = ?`, jobID).
		Scan(&state, &curWorker)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	cur := JobState(state)
	if cur != StateRunning {
		if IsTerminal(cur) {
			// The supervisor may have orphaned or aborted the job already.
			return tx.Commit()
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, StateRunning)
	}
	if curWorker.Valid && curWorker.String != "" {
		if curWorker.String == workerID {
			return tx.Commit()
		}
		return fmt.Errorf("%w: job %s already owned by worker %s", ErrIllegalTransition, jobID, curWorker.String)
	}

	now := fmtTime(time.Now())
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET worker_id = ?, worker_pid = ?, last_heartbeat = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		workerID, pid, now, now, jobID, string(StateRunning),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSucceeded moves a RUNNING job to SUCCEEDED with its result payload.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.markTerminal(ctx, jobID, StateSucceeded, "", result, nil)
}

// MarkFailed moves the job to FAILED with a reason and structured details.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string, details *ErrorDetails) error {
	return s.markTerminal(ctx, jobID, StateFailed, reason, nil, details)
}

// MarkAborted moves a QUEUED or RUNNING job to ABORTED.
func (s *Store) MarkAborted(ctx context.Context, jobID, reason string, details *ErrorDetails) error {
	return s.markTerminal(ctx, jobID, StateAborted, reason, nil, details)
}

// MarkOrphaned moves a RUNNING job to ORPHANED.
func (s *Store) MarkOrphaned(ctx context.Context, jobID, reason string, details *ErrorDetails) error {
	return s.markTerminal(ctx, jobID, StateOrphaned, reason, nil, details)
}

// markTerminal performs one atomic read-validate-write for a terminal
// transition. Worker identity is cleared when the job leaves RUNNING.
//
// Race tolerance: the supervisor and a worker may both try to finish the
// same job; once a record is terminal, further terminal marks are silent
// no-ops. A terminal mark from a non-predecessor live state is a logic bug
// and fails with ErrIllegalTransition.
func (s *Store) markTerminal(ctx context.Context, jobID string, target JobState, reason string, result json.RawMessage, details *ErrorDetails) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id = ?`, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	cur := JobState(state)
	if IsTerminal(cur) {
		return tx.Commit()
	}
	if !CanTransition(cur, target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, target)
	}

	var detailsJSON any
	if details != nil {
		if details.OccurredAt.IsZero() {
			details.OccurredAt = time.Now().UTC()
		}
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		detailsJSON = string(b)
	}
	var resultJSON any
	if len(result) > 0 {
		resultJSON = string(result)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
		 SET state = ?, state_reason = ?, result = ?, error_details = ?,
		     worker_id = NULL, worker_pid = NULL, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		string(target), reason, resultJSON, detailsJSON, fmtTime(time.Now()), jobID, state,
	)
	if err != nil {
		return err
	}
	// Zero rows affected means a concurrent writer legally moved the record
	// first; the supervisor must tolerate races against itself.
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateHeartbeat refreshes last_heartbeat (and optionally progress/phase)
// for a RUNNING job. It is a strict no-op on any other state and then leaves
// updated_at untouched.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID string, progress *float64, phase *string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET last_heartbeat = ?,
		     progress = COALESCE(?, progress),
		     phase = COALESCE(?, phase),
		     updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		now, progress, phase, now, jobID, string(StateRunning),
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// RequestAbort sets the one-way abort flag on a QUEUED or RUNNING job. It is
// idempotent and reports false when the job is unknown or already terminal.
func (s *Store) RequestAbort(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET abort_requested = 1, updated_at = ?
		 WHERE job_id = ? AND state IN (?, ?)`,
		fmtTime(time.Now()), strings.TrimSpace(jobID), string(StateQueued), string(StateRunning),
	)
	if err != nil {
		return false, fmt.Errorf("request abort: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FindStaleRunning returns RUNNING jobs whose heartbeat age at `now` exceeds
// the timeout.
func (s *Store) FindStaleRunning(ctx context.Context, now time.Time, timeout time.Duration) ([]JobRecord, error) {
	cutoff := fmtTime(now.Add(-timeout))
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		 ORDER BY created_at ASC`,
		string(StateRunning), cutoff,
	)
}

// FindAbortRequested returns non-terminal jobs whose abort flag is set.
func (s *Store) FindAbortRequested(ctx context.Context) ([]JobRecord, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE abort_requested = 1 AND state IN (?, ?)
		 ORDER BY created_at ASC`,
		string(StateQueued), string(StateRunning),
	)
}

// ListRunning returns all RUNNING jobs, oldest first. The supervisor uses it
// after a restart to adopt or orphan episodes it no longer tracks.
func (s *Store) ListRunning(ctx context.Context) ([]JobRecord, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC`,
		string(StateRunning),
	)
}

// HasActiveFingerprint reports whether a QUEUED, RUNNING, or SUCCEEDED
// record with the same (job_type, params_hash) already exists.
func (s *Store) HasActiveFingerprint(ctx context.Context, jobType, paramsHash string) (bool, error) {
	if strings.TrimSpace(paramsHash) == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM jobs
		 WHERE job_type = ? AND params_hash = ? AND state IN (?, ?, ?)
		 LIMIT 1`,
		jobType, paramsHash, string(StateQueued), string(StateRunning), string(StateSucceeded),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var spec, createdAt, updatedAt string
	var stateReason, phase string
	var result, workerID, lastHeartbeat, errorDetails sql.NullString
	var workerPID sql.NullInt64
	var abortRequested int

	err := row.Scan(
		&rec.JobID, &rec.JobType, &spec, &rec.State, &stateReason, &result, &rec.ParamsHash,
		&createdAt, &updatedAt, &workerID, &workerPID, &lastHeartbeat,
		&abortRequested, &rec.Progress, &phase, &errorDetails,
	)
	if err != nil {
		return nil, err
	}

	rec.StateReason = stateReason
	rec.Phase = phase
	rec.AbortRequested = abortRequested != 0
	if spec != "" {
		rec.Spec = json.RawMessage(spec)
	}
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	if workerID.Valid {
		rec.WorkerID = workerID.String
	}
	if workerPID.Valid {
		rec.WorkerPID = int(workerPID.Int64)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if rec.LastHeartbeat, err = parseNullTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	if errorDetails.Valid && errorDetails.String != "" {
		var details ErrorDetails
		if err := json.Unmarshal([]byte(errorDetails.String), &details); err != nil {
			return nil, fmt.Errorf("parse error_details: %w", err)
		}
		rec.ErrorDetails = &details
	}
	return &rec, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]JobRecord, 0, 32)
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

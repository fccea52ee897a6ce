package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterWorker inserts a fresh worker record. Worker ids are never reused:
// each spawned process registers exactly one record and that record is
// finalized when the supervisor reaps the process.
func (s *Store) RegisterWorker(ctx context.Context, w WorkerRecord) error {
	if strings.TrimSpace(w.WorkerID) == "" {
		return errors.New("worker_id is required")
	}
	if w.Status == "" {
		w.Status = WorkerIdle
	}
	if w.SpawnedAt.IsZero() {
		w.SpawnedAt = time.Now().UTC()
	}
	var currentJob any
	if strings.TrimSpace(w.CurrentJobID) != "" {
		currentJob = w.CurrentJobID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (worker_id, pid, current_job_id, status, spawned_at, hostname, rss_bytes, goroutines)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WorkerID, w.PID, currentJob, string(w.Status), fmtTime(w.SpawnedAt), w.Hostname, w.RSSBytes, w.Goroutines,
	)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// AssignWorkerJob flips the worker to BUSY on the given job; passing an
// empty job id clears the assignment back to IDLE.
func (s *Store) AssignWorkerJob(ctx context.Context, workerID, jobID string) error {
	status := WorkerBusy
	var currentJob any
	if strings.TrimSpace(jobID) == "" {
		status = WorkerIdle
	} else {
		currentJob = jobID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET current_job_id = ?, status = ? WHERE worker_id = ? AND status != ?`,
		currentJob, string(status), workerID, string(WorkerExited),
	)
	if err != nil {
		return fmt.Errorf("assign worker job: %w", err)
	}
	return nil
}

// RecordWorkerMetrics updates host metrics on a live worker row. Exited
// workers are left untouched.
func (s *Store) RecordWorkerMetrics(ctx context.Context, workerID string, rssBytes int64, goroutines int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET rss_bytes = ?, goroutines = ? WHERE worker_id = ? AND status != ?`,
		rssBytes, goroutines, workerID, string(WorkerExited),
	)
	if err != nil {
		return fmt.Errorf("record worker metrics: %w", err)
	}
	return nil
}

// MarkWorkerExited finalizes a worker record. Idempotent: an already-exited
// worker keeps its original exited_at.
func (s *Store) MarkWorkerExited(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers
		 SET status = ?, current_job_id = NULL, exited_at = ?
		 WHERE worker_id = ? AND status != ?`,
		string(WorkerExited), fmtTime(time.Now()), workerID, string(WorkerExited),
	)
	if err != nil {
		return fmt.Errorf("mark worker exited: %w", err)
	}
	return nil
}

// LookupWorkerByPid returns the most recently spawned non-exited worker with
// the given pid, or ErrNotFound.
func (s *Store) LookupWorkerByPid(ctx context.Context, pid int) (*WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT worker_id, pid, current_job_id, status, spawned_at, exited_at, hostname, rss_bytes, goroutines
		 FROM workers
		 WHERE pid = ? AND status != ?
		 ORDER BY spawned_at DESC
		 LIMIT 1`,
		pid, string(WorkerExited),
	)
	rec, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListWorkers returns all worker records, newest first.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, pid, current_job_id, status, spawned_at, exited_at, hostname, rss_bytes, goroutines
		 FROM workers ORDER BY spawned_at DESC, worker_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]WorkerRecord, 0, 16)
	for rows.Next() {
		rec, err := scanWorker(rows)
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

func scanWorker(row rowScanner) (*WorkerRecord, error) {
	var rec WorkerRecord
	var currentJob sql.NullString
	var spawnedAt string
	var exitedAt sql.NullString

	err := row.Scan(&rec.WorkerID, &rec.PID, &currentJob, &rec.Status, &spawnedAt, &exitedAt,
		&rec.Hostname, &rec.RSSBytes, &rec.Goroutines)
	if err != nil {
		return nil, err
	}
	if currentJob.Valid {
		rec.CurrentJobID = currentJob.String
	}
	if rec.SpawnedAt, err = parseTime(spawnedAt); err != nil {
		return nil, fmt.Errorf("parse spawned_at: %w", err)
	}
	if rec.ExitedAt, err = parseNullTime(exitedAt); err != nil {
		return nil, fmt.Errorf("parse exited_at: %w", err)
	}
	return &rec, nil
}

// Package queue persists runs, their test jobs and every execution attempt.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func (q *Queue) stamp() string {
	return q.now().UTC().Format(time.RFC3339Nano)
}

// CreateRun records a new run and returns its id.
func (q *Queue) CreateRun(ctx context.Context, configHash string) (string, error) {
	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
INSERT INTO test_run(id, status, config_hash, started_at) VALUES(?, ?, ?, ?);
`, id, RunRunning, nullable(configHash), q.stamp())
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run's terminal status.
func (q *Queue) FinishRun(ctx context.Context, runID, status string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE test_run SET status = ?, finished_at = ? WHERE id = ?;
`, status, q.stamp(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %q: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Enqueue adds a job to the run. A job with the same dedupe key already in
// the run is returned instead, with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.RunID == "" {
		return "", false, fmt.Errorf("run id is empty")
	}
	if req.Path == "" {
		return "", false, fmt.Errorf("path is empty")
	}
	if req.DedupeKey == "" {
		req.DedupeKey = req.Digest
	}
	if req.DedupeKey == "" {
		return "", false, fmt.Errorf("dedupe key is empty")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	id = uuid.NewString()
	res, err := q.db.ExecContext(ctx, `
INSERT INTO test_job(id, run_id, path, digest, dedupe_key, status, max_attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, dedupe_key) DO NOTHING;
`, id, req.RunID, req.Path, req.Digest, req.DedupeKey, StatusQueued, maxAttempts, q.stamp())
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}

	if err := q.db.QueryRowContext(ctx, `
SELECT id FROM test_job WHERE run_id = ? AND dedupe_key = ?;
`, req.RunID, req.DedupeKey).Scan(&id); err != nil {
		return "", false, fmt.Errorf("load duplicate job: %w", err)
	}
	return id, false, nil
}

const jobColumns = `id, run_id, path, digest, dedupe_key, status, attempts, max_attempts, worker_id,
  created_at, started_at, completed_at, last_error`

// Dequeue claims the oldest queued job of runID and marks it running.
// Returns (nil, nil) if the run has nothing queued.
func (q *Queue) Dequeue(ctx context.Context, runID string) (*Job, error) {
	now := q.stamp()
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM test_job
  WHERE run_id = ? AND status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE test_job
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, runID, StatusQueued, StatusRunning, now)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// RecordAttempt appends one attempt and bumps the job's attempt counter.
func (q *Queue) RecordAttempt(ctx context.Context, jobID string, a Attempt) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE test_job SET attempts = attempts + 1, worker_id = ? WHERE id = ?;
`, nullable(a.WorkerID), jobID)
	if err != nil {
		return fmt.Errorf("update job attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record attempt for %q: %w", jobID, ErrJobNotFound)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO test_attempt(job_id, attempt, worker_id, status, error, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, jobID, a.Number, nullable(a.WorkerID), a.Status, nullable(a.Error),
		a.StartedAt.UTC().Format(time.RFC3339Nano), a.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert test_attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Complete marks a job terminal. stderr is truncated to 64 KiB.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError, stderr *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	var stderrVal any
	if stderr != nil {
		s := *stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE test_job
SET status = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, status, q.stamp(), lastError, stderrVal, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %q: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM test_job WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListRun returns the run's jobs in enqueue order.
func (q *Queue) ListRun(ctx context.Context, runID string) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM test_job WHERE run_id = ? ORDER BY created_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Attempts returns the recorded attempts of jobID in order.
func (q *Queue) Attempts(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT attempt, worker_id, status, error, started_at, duration_ms
FROM test_attempt WHERE job_id = ? ORDER BY attempt ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			workerID sql.NullString
			errText  sql.NullString
			started  string
			status   string
			ms       int64
		)
		if err := rows.Scan(&a.Number, &workerID, &status, &errText, &started, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.WorkerID = workerID.String
		a.Status = Status(status)
		a.Error = errText.String
		a.Duration = time.Duration(ms) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			a.StartedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		workerID     sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	err := s.Scan(
		&j.ID, &j.RunID, &j.Path, &j.Digest, &j.DedupeKey, &statusS, &j.Attempts, &j.MaxAttempts, &workerID,
		&createdAtS, &startedAtS, &completedAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if workerID.Valid {
		j.WorkerID = &workerID.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package arbiter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteLedger journals allocations into the artifact table.
type SQLiteLedger struct {
	db    *sql.DB
	runID string
}

var _ Ledger = (*SQLiteLedger)(nil)

func NewSQLiteLedger(db *sql.DB, runID string) *SQLiteLedger {
	return &SQLiteLedger{db: db, runID: runID}
}

func (l *SQLiteLedger) Allocated(ctx context.Context, a Allocation) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO artifact(path, run_id, request_id, worker_id, meta, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  run_id = excluded.run_id,
  request_id = excluded.request_id,
  worker_id = excluded.worker_id,
  meta = excluded.meta,
  created_at = excluded.created_at,
  released_at = NULL;
`, a.Path, l.runID, a.RequestID, a.WorkerID, string(meta), a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Released(ctx context.Context, path string, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE artifact SET released_at = ? WHERE path = ? AND released_at IS NULL;
`, at.Format(time.RFC3339Nano), path)
	if err != nil {
		return fmt.Errorf("mark artifact released: %w", err)
	}
	return nil
}

// Artifact is a journaled allocation.
type Artifact struct {
	Path       string
	WorkerID   string
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// List returns the run's journaled artifacts ordered by creation.
func (l *SQLiteLedger) List(ctx context.Context) ([]Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT path, worker_id, created_at, released_at FROM artifact
WHERE run_id = ? ORDER BY created_at ASC, path ASC;
`, l.runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a        Artifact
			created  string
			released sql.NullString
		)
		if err := rows.Scan(&a.Path, &a.WorkerID, &created, &released); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			a.CreatedAt = t
		}
		if released.Valid {
			if t, err := time.Parse(time.RFC3339Nano, released.String); err == nil {
				a.ReleasedAt = &t
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

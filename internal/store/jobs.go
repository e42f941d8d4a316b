package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dferrors "github.com/docfold/docfold/internal/errors"
)

const jobColumns = `id, doc_id, status, retries, last_attempt_at, error,
	error_category, last_retry_strategy, started_at, completed_at,
	duration_ms, progress, created_at, updated_at`

// CreateJob inserts a sync job for a document. One job per document;
// re-ingestion replaces the existing row.
func (s *Store) CreateJob(ctx context.Context, tx *sql.Tx, docID string) (*SyncJob, error) {
	now := nowMillis()
	job := &SyncJob{
		ID:        NewJobID(),
		DocID:     docID,
		Status:    JobStatusNew,
		CreatedAt: toTime(now),
		UpdatedAt: toTime(now),
	}
	exec := s.execer(tx)
	if _, err := exec.ExecContext(ctx, `DELETE FROM sync_jobs WHERE doc_id = ?`, docID); err != nil {
		return nil, wrapDBError(err)
	}
	_, err := exec.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, doc_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.DocID, string(job.Status), now, now)
	if err != nil {
		return nil, wrapDBError(err)
	}
	return job, nil
}

// GetJobByDoc fetches the sync job for a document.
func (s *Store) GetJobByDoc(ctx context.Context, docID string) (*SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE doc_id = ?`, docID)
	return scanJob(row, docID)
}

// UpdateJob persists the job's mutable fields. The status transition
// must already be legal; this is a plain write.
func (s *Store) UpdateJob(ctx context.Context, job *SyncJob) error {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET
			status = ?, retries = ?, last_attempt_at = ?, error = ?,
			error_category = ?, last_retry_strategy = ?, started_at = ?,
			completed_at = ?, duration_ms = ?, progress = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Status), job.Retries, nullMillis(job.LastAttemptAt),
		job.ErrorMessage, job.ErrorCategory, job.LastRetryStrategy,
		nullMillis(job.StartedAt), nullMillis(job.CompletedAt),
		job.DurationMs, job.Progress, now, job.ID)
	if err != nil {
		return wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dferrors.NotFoundError(fmt.Sprintf("sync job %s not found", job.ID), nil)
	}
	job.UpdatedAt = toTime(now)
	return nil
}

// ListJobsByStatus returns jobs in the given states, oldest update
// first. Used by crash recovery to find interrupted work.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*SyncJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs
		 WHERE status IN (`+placeholders+`) ORDER BY updated_at`, args...)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*SyncJob
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PurgeJobsByStatus deletes jobs in the given state last updated
// before the cutoff and returns how many were removed. Retention
// housekeeping; callers pass terminal states only.
func (s *Store) PurgeJobsByStatus(ctx context.Context, status JobStatus, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE status = ? AND updated_at < ?`,
		string(status), toMillis(cutoff))
	if err != nil {
		return 0, wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(tx *sql.Tx) execContexter {
	if tx != nil {
		return tx
	}
	return s.db
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row, ref string) (*SyncJob, error) {
	job, err := scanJobFrom(row)
	if err == sql.ErrNoRows {
		return nil, dferrors.NotFoundError(fmt.Sprintf("sync job for document %s not found", ref), err)
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return job, nil
}

func scanJobRows(rows *sql.Rows) (*SyncJob, error) {
	job, err := scanJobFrom(rows)
	if err != nil {
		return nil, wrapDBError(err)
	}
	return job, nil
}

func scanJobFrom(sc jobScanner) (*SyncJob, error) {
	var job SyncJob
	var lastAttempt, started, completed sql.NullInt64
	var created, updated int64
	err := sc.Scan(&job.ID, &job.DocID, &job.Status, &job.Retries, &lastAttempt,
		&job.ErrorMessage, &job.ErrorCategory, &job.LastRetryStrategy,
		&started, &completed, &job.DurationMs, &job.Progress, &created, &updated)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		job.LastAttemptAt = toTime(lastAttempt.Int64)
	}
	if started.Valid {
		job.StartedAt = toTime(started.Int64)
	}
	if completed.Valid {
		job.CompletedAt = toTime(completed.Int64)
	}
	job.CreatedAt = toTime(created)
	job.UpdatedAt = toTime(updated)
	return &job, nil
}

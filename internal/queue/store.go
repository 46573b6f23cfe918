// Package queue is the durable job store. All dispatch-visible mutations go
// through it so concurrent dispatch slots never race on job state.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, source_file, backend, params, status, priority, attempts,
	artifact_path, last_error, enqueued_at, started_at, finished_at, next_attempt_at`

// Enqueue inserts a new pending job. The ID and enqueue time are assigned
// here if the caller left them empty.
func (s *Store) Enqueue(ctx context.Context, j *Job) error {
	if !ValidBackend(j.Backend) {
		return fmt.Errorf("unknown backend kind %q", j.Backend)
	}
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if len(j.Params) == 0 {
		j.Params = json.RawMessage("{}")
	}
	j.Status = StatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_file, backend, params, status, priority, attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, datetime('now'))
	`, j.ID, j.SourceFile, j.Backend, string(j.Params), j.Status, j.Priority, j.EnqueuedAt.Format(time.RFC3339))
	return err
}

// DequeueNext claims the next eligible job for one of the given backend
// kinds and transitions it to running, incrementing its attempt count.
// Eligible means pending, or retrying with its backoff elapsed. Ordering is
// priority, then enqueue time within a kind. The select-and-claim runs in
// one transaction so no two dispatch slots can claim the same job.
// Returns nil when nothing is eligible.
func (s *Store) DequeueNext(ctx context.Context, kinds ...string) (*Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	args := make([]any, 0, len(kinds)+1)
	for _, k := range kinds {
		args = append(args, k)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	args = append(args, now)

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE backend IN (%s)
		  AND (status = 'pending' OR (status = 'retrying' AND next_attempt_at <= ?))
		ORDER BY priority ASC, enqueued_at ASC
		LIMIT 1
	`, jobColumns, placeholders), args...)

	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, started_at = ?,
		    next_attempt_at = NULL, updated_at = datetime('now')
		WHERE id = ? AND status IN ('pending', 'retrying')
	`, now, j.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("job %s changed state during claim", j.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Status = StatusRunning
	j.Attempts++
	j.StartedAt, _ = time.Parse(time.RFC3339, now)
	return j, nil
}

// MarkSucceeded records a successful attempt and the produced artifact.
func (s *Store) MarkSucceeded(ctx context.Context, id, artifactPath string) error {
	return s.finish(ctx, id, StatusSucceeded, artifactPath, "")
}

// MarkFailed records a terminal failure with its classified error.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, StatusFailed, "", errMsg)
}

// MarkUploadFailed records a job whose processing succeeded but whose upload
// did not. The artifact path is kept so the upload can be redone by hand.
func (s *Store) MarkUploadFailed(ctx context.Context, id, artifactPath, errMsg string) error {
	return s.finish(ctx, id, StatusUploadFailed, artifactPath, errMsg)
}

func (s *Store) finish(ctx context.Context, id, status, artifactPath, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, artifact_path = ?, last_error = ?,
		    finished_at = ?, updated_at = datetime('now')
		WHERE id = ? AND status = 'running'
	`, status, nullString(artifactPath), nullString(errMsg), now, id)
	if err != nil {
		return err
	}
	return oneRow(res, id)
}

// Requeue schedules a retry after the given delay. The attempt count is left
// as-is; it only moves at claim time.
func (s *Store) Requeue(ctx context.Context, id string, delay time.Duration, errMsg string) error {
	next := time.Now().UTC().Add(delay).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying', next_attempt_at = ?, last_error = ?,
		    updated_at = datetime('now')
		WHERE id = ? AND status = 'running'
	`, next, nullString(errMsg), id)
	if err != nil {
		return err
	}
	return oneRow(res, id)
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", jobColumns), id)
	return scanJob(row)
}

// List returns recent jobs, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM jobs ORDER BY enqueued_at DESC LIMIT ?", jobColumns)
	args := []any{limit}
	if status != "" {
		query = fmt.Sprintf("SELECT %s FROM jobs WHERE status = ? ORDER BY enqueued_at DESC LIMIT ?", jobColumns)
		args = []any{status, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusRunning:
			c.Running = n
		case StatusRetrying:
			c.Retrying = n
		case StatusSucceeded:
			c.Succeeded = n
		case StatusFailed:
			c.Failed = n
		case StatusUploadFailed:
			c.UploadFailed = n
		}
	}
	return c, rows.Err()
}

// ArchiveTerminal moves terminal jobs older than the retention period into
// jobs_archive and returns how many were moved.
func (s *Store) ArchiveTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs_archive (id, source_file, backend, params, status, priority,
			attempts, artifact_path, last_error, enqueued_at, started_at, finished_at, archived_at)
		SELECT id, source_file, backend, params, status, priority,
			attempts, artifact_path, last_error, enqueued_at, started_at, finished_at, datetime('now')
		FROM jobs
		WHERE status IN ('succeeded', 'failed', 'upload_failed') AND finished_at <= ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'upload_failed') AND finished_at <= ?
	`, cutoff); err != nil {
		return 0, err
	}

	return moved, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*Job, error) {
	j, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	return scanInto(rows)
}

func scanInto(sc rowScanner) (*Job, error) {
	var j Job
	var params string
	var artifactPath, lastError, startedAt, finishedAt, nextAttempt sql.NullString
	var enqueuedAt string

	err := sc.Scan(&j.ID, &j.SourceFile, &j.Backend, &params, &j.Status, &j.Priority,
		&j.Attempts, &artifactPath, &lastError, &enqueuedAt, &startedAt, &finishedAt, &nextAttempt)
	if err != nil {
		return nil, err
	}

	j.Params = json.RawMessage(params)
	j.ArtifactPath = artifactPath.String
	j.LastError = lastError.String
	j.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
	if startedAt.Valid {
		j.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
	}
	if finishedAt.Valid {
		j.FinishedAt, _ = parseSQLiteTime(finishedAt.String)
	}
	if nextAttempt.Valid {
		j.NextAttempt, _ = time.Parse(time.RFC3339, nextAttempt.String)
	}
	return &j, nil
}

// parseSQLiteTime accepts both RFC3339 and sqlite's datetime('now') format.
func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func oneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

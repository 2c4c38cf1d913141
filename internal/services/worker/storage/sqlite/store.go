// Package sqlite implements the worker job queue and attempt log over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/broseph/broseph/internal/platform/storage/sqliteconn"
	"github.com/broseph/broseph/internal/services/worker/storage"
	"github.com/broseph/broseph/internal/services/worker/storage/sqlite/migrations"
)

// Store provides SQLite-backed job and attempt persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens a worker SQLite store and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqliteconn.Open(ctx, path, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// RecordAttempt persists one worker processing attempt.
func (s *Store) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	attempt.JobID = strings.TrimSpace(attempt.JobID)
	attempt.Kind = strings.TrimSpace(attempt.Kind)
	attempt.Consumer = strings.TrimSpace(attempt.Consumer)
	attempt.Outcome = strings.TrimSpace(attempt.Outcome)
	attempt.LastError = strings.TrimSpace(attempt.LastError)
	if attempt.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if attempt.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if attempt.Consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO job_attempts (
	job_id,
	kind,
	consumer,
	outcome,
	attempt_count,
	error_code,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		attempt.JobID,
		attempt.Kind,
		attempt.Consumer,
		attempt.Outcome,
		attempt.AttemptCount,
		attempt.ErrorCode,
		attempt.LastError,
		toMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts lists newest-first attempt records, optionally for one job.
func (s *Store) ListAttempts(ctx context.Context, jobID string, limit int) ([]storage.AttemptRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	jobID = strings.TrimSpace(jobID)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	job_id,
	kind,
	consumer,
	outcome,
	attempt_count,
	error_code,
	last_error,
	created_at
FROM job_attempts
WHERE (? = '' OR job_id = ?)
ORDER BY created_at DESC, id DESC
LIMIT ?
`, jobID, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	records := make([]storage.AttemptRecord, 0, limit)
	for rows.Next() {
		var record storage.AttemptRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.JobID,
			&record.Kind,
			&record.Consumer,
			&record.Outcome,
			&record.AttemptCount,
			&record.ErrorCode,
			&record.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/broseph/broseph/internal/services/worker/storage"
)

const jobColumns = `
	id,
	kind,
	payload_json,
	status,
	result_json,
	error_code,
	last_error,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	processed_at,
	created_at,
	updated_at`

// EnqueueJob admits a job once per id.
func (s *Store) EnqueueJob(ctx context.Context, input storage.EnqueueInput) (storage.Job, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Job{}, false, err
	}
	id := strings.TrimSpace(input.ID)
	kind := strings.TrimSpace(input.Kind)
	if id == "" {
		return storage.Job{}, false, fmt.Errorf("job id is required")
	}
	if kind == "" {
		return storage.Job{}, false, fmt.Errorf("job kind is required")
	}
	if len(input.PayloadJSON) == 0 {
		return storage.Job{}, false, fmt.Errorf("job payload is required")
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO jobs (id, kind, payload_json, status, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`, id, kind, input.PayloadJSON, storage.JobStatusPending, toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return storage.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Job{}, false, fmt.Errorf("enqueue job rows affected: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, false, err
	}
	if affected == 0 && (job.Kind != kind || !bytes.Equal(job.PayloadJSON, input.PayloadJSON)) {
		return storage.Job{}, false, storage.ErrIdempotencyKeyReused
	}
	return job, affected > 0, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Job{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Job{}, fmt.Errorf("job id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Job{}, storage.ErrNotFound
		}
		return storage.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// LeaseJobs leases due jobs for one consumer. Leasing counts as an attempt.
func (s *Store) LeaseJobs(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.Job, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM jobs
WHERE (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
		storage.JobStatusPending,
		toMillis(now),
		storage.JobStatusInFlight,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}

	leased := make([]storage.Job, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE jobs
SET
	status = ?,
	attempt_count = attempt_count + 1,
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ?
AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
`,
			storage.JobStatusInFlight,
			consumer,
			toMillis(leaseExpiresAt),
			toMillis(now),
			id,
			storage.JobStatusPending,
			toMillis(now),
			storage.JobStatusInFlight,
			toMillis(now),
		)
		if updateErr != nil {
			return nil, fmt.Errorf("lease job %s: %w", id, updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		job, scanErr := scanJob(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased job %s: %w", id, scanErr)
		}
		leased = append(leased, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkJobDone completes a leased job with its result.
func (s *Store) MarkJobDone(ctx context.Context, id string, consumer string, resultJSON []byte, processedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	return s.settle(ctx, "mark job done", id, consumer, `
UPDATE jobs
SET
	status = ?,
	result_json = ?,
	error_code = '',
	last_error = '',
	lease_owner = '',
	lease_expires_at = NULL,
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.JobStatusDone,
		resultJSON,
		toMillis(processedAt),
		toMillis(processedAt),
	)
}

// MarkJobRetry returns a leased job to pending until nextAttemptAt.
func (s *Store) MarkJobRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, errorCode string, lastError string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	return s.settle(ctx, "mark job retry", id, consumer, `
UPDATE jobs
SET
	status = ?,
	next_attempt_at = ?,
	error_code = ?,
	last_error = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	processed_at = NULL,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.JobStatusPending,
		toMillis(nextAttemptAt),
		strings.TrimSpace(errorCode),
		strings.TrimSpace(lastError),
		toMillis(time.Now()),
	)
}

// MarkJobFailed settles a leased job as terminally failed.
func (s *Store) MarkJobFailed(ctx context.Context, id string, consumer string, errorCode string, lastError string, processedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	return s.settle(ctx, "mark job failed", id, consumer, `
UPDATE jobs
SET
	status = ?,
	error_code = ?,
	last_error = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.JobStatusFailed,
		strings.TrimSpace(errorCode),
		strings.TrimSpace(lastError),
		toMillis(processedAt),
		toMillis(processedAt),
	)
}

// settle runs a lease-conditional update. args are the SET arguments; the
// id, in-flight status, and consumer conditions are appended.
func (s *Store) settle(ctx context.Context, op string, id string, consumer string, query string, args ...any) error {
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	args = append(args, id, storage.JobStatusInFlight, consumer)

	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner func(dest ...any) error

func scanJob(scan scanner) (storage.Job, error) {
	var (
		job            storage.Job
		status         string
		resultJSON     []byte
		nextAttemptAt  int64
		leaseExpiresAt sql.NullInt64
		processedAt    sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	if err := scan(
		&job.ID,
		&job.Kind,
		&job.PayloadJSON,
		&status,
		&resultJSON,
		&job.ErrorCode,
		&job.LastError,
		&job.AttemptCount,
		&nextAttemptAt,
		&job.LeaseOwner,
		&leaseExpiresAt,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Job{}, err
	}
	job.Status = storage.JobStatus(status)
	job.ResultJSON = resultJSON
	job.NextAttemptAt = fromMillis(nextAttemptAt)
	job.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	job.ProcessedAt = fromNullMillis(processedAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}

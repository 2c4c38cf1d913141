// Package storage defines the durable job queue and attempt log used by the
// membership worker.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the job does not exist or is not leased by the
	// caller.
	ErrNotFound = errors.New("record not found")
	// ErrIdempotencyKeyReused indicates a job id was enqueued again with a
	// different kind or payload.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different request")
)

// JobStatus is a job's delivery state.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusInFlight JobStatus = "in_flight"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether no further delivery will happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is one durable unit of work. ID is the idempotency key.
type Job struct {
	ID             string
	Kind           string
	PayloadJSON    []byte
	Status         JobStatus
	ResultJSON     []byte
	ErrorCode      string
	LastError      string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnqueueInput describes a job to admit.
type EnqueueInput struct {
	ID          string
	Kind        string
	PayloadJSON []byte
	Now         time.Time
}

// JobStore is the durable queue. Every transition after leasing is
// conditional on the job still being in flight under the caller's lease.
type JobStore interface {
	// EnqueueJob records a job once per id. Re-enqueueing an identical
	// request returns the existing job with created=false.
	EnqueueJob(ctx context.Context, input EnqueueInput) (job Job, created bool, err error)
	GetJob(ctx context.Context, id string) (Job, error)
	// LeaseJobs claims up to limit due jobs, including in-flight jobs whose
	// lease expired.
	LeaseJobs(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]Job, error)
	MarkJobDone(ctx context.Context, id string, consumer string, resultJSON []byte, processedAt time.Time) error
	MarkJobRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, errorCode string, lastError string) error
	MarkJobFailed(ctx context.Context, id string, consumer string, errorCode string, lastError string, processedAt time.Time) error
}

// AttemptRecord is one durable worker processing outcome record.
type AttemptRecord struct {
	ID           int64
	JobID        string
	Kind         string
	Consumer     string
	Outcome      string
	AttemptCount int
	ErrorCode    string
	LastError    string
	CreatedAt    time.Time
}

// AttemptStore persists worker processing attempt records.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	ListAttempts(ctx context.Context, jobID string, limit int) ([]AttemptRecord, error)
}

// Store combines the queue and the attempt log.
type Store interface {
	JobStore
	AttemptStore
	Close() error
}

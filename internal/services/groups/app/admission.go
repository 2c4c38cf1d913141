// Package app implements the groups request path: synchronous gate checks,
// durable job admission, invite issuing, and daily prompt answers.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/timeouts"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
	workerstorage "github.com/broseph/broseph/internal/services/worker/storage"
)

// JobQueue is the queue surface used for admission and status polling.
type JobQueue interface {
	EnqueueJob(ctx context.Context, input workerstorage.EnqueueInput) (workerstorage.Job, bool, error)
	GetJob(ctx context.Context, id string) (workerstorage.Job, error)
}

// JobTicket is returned as soon as a job is durably admitted.
type JobTicket struct {
	JobID  string                  `json:"jobId"`
	Status workerstorage.JobStatus `json:"status"`
}

// JobView is the pollable state of a job.
type JobView struct {
	JobID     string                  `json:"jobId"`
	Kind      string                  `json:"kind"`
	Status    workerstorage.JobStatus `json:"status"`
	Result    json.RawMessage         `json:"result,omitempty"`
	ErrorCode string                  `json:"errorCode,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Attempts  int                     `json:"attempts"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Admission records jobs in the durable queue. The idempotency key is the
// job id, so re-admitting the same request returns the existing job.
type Admission struct {
	queue  JobQueue
	clock  func() time.Time
	logger *zap.Logger
}

// NewAdmission builds an admission boundary over queue.
func NewAdmission(queue JobQueue, logger *zap.Logger, clock func() time.Time) *Admission {
	if clock == nil {
		clock = time.Now
	}
	return &Admission{queue: queue, clock: clock, logger: logging.OrNop(logger)}
}

// Admit enqueues kind with payload under key and returns without waiting
// for the worker.
func (a *Admission) Admit(ctx context.Context, kind workerdomain.Kind, payload any, key string) (JobTicket, error) {
	if a == nil || a.queue == nil {
		return JobTicket{}, apperrors.Transient("job queue is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return JobTicket{}, apperrors.Validation(apperrors.CodeValidation, "idempotency key is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return JobTicket{}, apperrors.Wrap(apperrors.ClassValidation, apperrors.CodeJobPayloadInvalid, "encode job payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	job, created, err := a.queue.EnqueueJob(ctx, workerstorage.EnqueueInput{
		ID:          key,
		Kind:        string(kind),
		PayloadJSON: body,
		Now:         a.clock().UTC(),
	})
	if errors.Is(err, workerstorage.ErrIdempotencyKeyReused) {
		return JobTicket{}, apperrors.Conflict(apperrors.CodeIdempotencyKeyReused, "idempotency key reused for a different request")
	}
	if err != nil {
		return JobTicket{}, apperrors.Transient("enqueue job", err)
	}
	a.logger.Info("job admitted",
		zap.String(logging.KeyJobID, job.ID),
		zap.String(logging.KeyKind, job.Kind),
		zap.Bool("created", created),
	)
	return JobTicket{JobID: job.ID, Status: job.Status}, nil
}

// Replay returns the ticket of a job already admitted under key when its
// kind is kind and match accepts its payload. Request-path checks describe
// the state before the job applied, so a retried request must not be
// re-gated against the state the job produced.
func (a *Admission) Replay(ctx context.Context, kind workerdomain.Kind, key string, match func(payload []byte) bool) (JobTicket, bool, error) {
	if a == nil || a.queue == nil {
		return JobTicket{}, false, apperrors.Transient("job queue is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return JobTicket{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	job, err := a.queue.GetJob(ctx, key)
	if errors.Is(err, workerstorage.ErrNotFound) {
		return JobTicket{}, false, nil
	}
	if err != nil {
		return JobTicket{}, false, apperrors.Transient("load job", err)
	}
	if job.Kind != string(kind) || !match(job.PayloadJSON) {
		return JobTicket{}, false, nil
	}
	a.logger.Info("job replayed",
		zap.String(logging.KeyJobID, job.ID),
		zap.String(logging.KeyKind, job.Kind),
		zap.String("status", string(job.Status)),
	)
	return JobTicket{JobID: job.ID, Status: job.Status}, true, nil
}

// JobStatus returns the current state of jobID.
func (a *Admission) JobStatus(ctx context.Context, jobID string) (JobView, error) {
	if a == nil || a.queue == nil {
		return JobView{}, apperrors.Transient("job queue is not configured", nil)
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobView{}, apperrors.Validation(apperrors.CodeValidation, "job id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	job, err := a.queue.GetJob(ctx, jobID)
	if errors.Is(err, workerstorage.ErrNotFound) {
		return JobView{}, apperrors.NotFound(apperrors.CodeJobNotFound, "job not found")
	}
	if err != nil {
		return JobView{}, apperrors.Transient("load job", err)
	}
	view := JobView{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		ErrorCode: job.ErrorCode,
		Attempts:  job.AttemptCount,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if len(job.ResultJSON) > 0 {
		view.Result = json.RawMessage(job.ResultJSON)
	}
	if job.Status == workerstorage.JobStatusFailed {
		view.Error = apperrors.Code(job.ErrorCode).DefaultMessage()
	}
	return view, nil
}

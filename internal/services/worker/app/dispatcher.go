// Package app runs the membership worker: the dispatcher loop that leases
// queued jobs, applies them, and settles their outcomes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/timeouts"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
	workerstorage "github.com/broseph/broseph/internal/services/worker/storage"
)

const (
	defaultConsumer      = "broseph-worker"
	defaultPollInterval  = 2 * time.Second
	defaultLeaseTTL      = 60 * time.Second
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
	defaultBatchSize     = 16
	defaultWorkers       = 4

	// outcomeExhausted is recorded when a retryable failure ran out of
	// attempts.
	outcomeExhausted = "exhausted"
	tracerName       = "github.com/broseph/broseph/worker"
)

// Config controls leasing, concurrency, and retry backoff.
type Config struct {
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	BatchSize     int
	Workers       int
}

func (c Config) normalized() Config {
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Queue is the job store surface the dispatcher needs.
type Queue interface {
	workerstorage.JobStore
	workerstorage.AttemptStore
}

// Dispatcher delivers leased jobs to the handler registered for their kind.
// Delivery is at least once: a job whose lease lapses is leased again, so
// handlers must tolerate repeats.
type Dispatcher struct {
	queue    Queue
	handlers map[workerdomain.Kind]workerdomain.Handler
	cfg      Config
	clock    func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds a dispatcher. handlers is copied; kinds without a handler are
// settled as failed.
func New(queue Queue, handlers map[workerdomain.Kind]workerdomain.Handler, cfg Config, logger *zap.Logger, clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	registered := make(map[workerdomain.Kind]workerdomain.Handler, len(handlers))
	for kind, handler := range handlers {
		if handler != nil {
			registered[kind] = handler
		}
	}
	return &Dispatcher{
		queue:    queue,
		handlers: registered,
		cfg:      cfg.normalized(),
		clock:    clock,
		logger:   logging.OrNop(logger),
		tracer:   otel.Tracer(tracerName),
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another lease so backlogs drain without waiting for the ticker.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil || d.queue == nil {
		return fmt.Errorf("dispatcher queue is not configured")
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.String("consumer", d.cfg.Consumer),
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
	for {
		processed, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.Warn("lease jobs failed", zap.Error(err))
		}
		if err == nil && processed == d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and applies it with up to Workers jobs in
// parallel. It returns how many jobs were leased.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if d == nil || d.queue == nil {
		return 0, fmt.Errorf("dispatcher queue is not configured")
	}
	leaseCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	jobs, err := d.queue.LeaseJobs(leaseCtx, d.cfg.Consumer, d.cfg.BatchSize, d.now(), d.cfg.LeaseTTL)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("lease jobs: %w", err)
	}

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			d.process(ctx, job)
		}()
	}
	wg.Wait()
	return len(jobs), nil
}

func (d *Dispatcher) process(ctx context.Context, job workerstorage.Job) {
	ctx, span := d.tracer.Start(ctx, "worker.apply "+job.Kind, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.attempt", job.AttemptCount),
	))
	defer span.End()

	outcome := d.apply(ctx, job)
	// Settle even when shutdown cancelled ctx mid-apply; the handler's
	// writes are already committed.
	settleCtx := context.WithoutCancel(ctx)
	recorded, settleErr := d.settle(settleCtx, job, outcome)

	fields := []zap.Field{
		zap.String(logging.KeyJobID, job.ID),
		zap.String(logging.KeyKind, job.Kind),
		zap.Int(logging.KeyAttempt, job.AttemptCount),
		zap.String("outcome", recorded),
	}
	if sc := span.SpanContext(); sc.IsValid() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, string(outcome.Code()))
		fields = append(fields, zap.String(logging.KeyErrorCode, string(outcome.Code())), zap.Error(outcome.Err))
	}
	span.SetAttributes(attribute.String("job.outcome", recorded))

	switch {
	case errors.Is(settleErr, workerstorage.ErrNotFound):
		d.logger.Warn("job lease lost before settle", fields...)
	case settleErr != nil:
		d.logger.Error("settle job failed", append(fields, zap.NamedError("settle_error", settleErr))...)
	case recorded == string(workerdomain.StatusSucceeded):
		d.logger.Info("job applied", fields...)
	default:
		d.logger.Warn("job not applied", fields...)
	}

	attemptCtx, cancel := context.WithTimeout(settleCtx, timeouts.StoreOp)
	defer cancel()
	if err := d.queue.RecordAttempt(attemptCtx, workerstorage.AttemptRecord{
		JobID:        job.ID,
		Kind:         job.Kind,
		Consumer:     d.cfg.Consumer,
		Outcome:      recorded,
		AttemptCount: job.AttemptCount,
		ErrorCode:    string(outcome.Code()),
		LastError:    errorText(outcome.Err),
		CreatedAt:    d.now(),
	}); err != nil {
		d.logger.Warn("record job attempt failed", append(fields, zap.NamedError("record_error", err))...)
	}
}

// apply runs the registered handler under the per-job deadline. A panic
// becomes a retry so one bad delivery cannot stop the loop.
func (d *Dispatcher) apply(ctx context.Context, job workerstorage.Job) (outcome workerdomain.Outcome) {
	handler, ok := d.handlers[workerdomain.Kind(job.Kind)]
	if !ok {
		return workerdomain.Failed(apperrors.Validation(apperrors.CodeUnknownJobKind, "no handler for job kind "+job.Kind))
	}

	applyCtx, cancel := context.WithTimeout(ctx, timeouts.JobApply)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			outcome = workerdomain.Retry(apperrors.Transient(fmt.Sprintf("handler panic: %v", r), nil))
		}
	}()

	outcome = handler.Handle(applyCtx, workerdomain.Job{
		ID:      job.ID,
		Kind:    workerdomain.Kind(job.Kind),
		Payload: job.PayloadJSON,
		Attempt: job.AttemptCount,
	})
	switch outcome.Status {
	case workerdomain.StatusSucceeded:
	case workerdomain.StatusRetry, workerdomain.StatusFailed:
		if outcome.Err == nil {
			outcome.Err = apperrors.New(apperrors.ClassTransient, apperrors.CodeInternal, "handler returned "+string(outcome.Status)+" without an error")
		}
	default:
		outcome = workerdomain.Retry(apperrors.New(apperrors.ClassTransient, apperrors.CodeInternal, fmt.Sprintf("handler returned unknown status %q", outcome.Status)))
	}
	return outcome
}

// settle writes the outcome back to the queue and returns the outcome name
// recorded for the attempt.
func (d *Dispatcher) settle(ctx context.Context, job workerstorage.Job, outcome workerdomain.Outcome) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	now := d.now()

	switch outcome.Status {
	case workerdomain.StatusSucceeded:
		result, err := json.Marshal(outcome.Result)
		if err != nil {
			return string(workerdomain.StatusFailed), d.queue.MarkJobFailed(ctx, job.ID, d.cfg.Consumer, string(apperrors.CodeInternal), "encode result: "+err.Error(), now)
		}
		return string(workerdomain.StatusSucceeded), d.queue.MarkJobDone(ctx, job.ID, d.cfg.Consumer, result, now)
	case workerdomain.StatusRetry:
		if job.AttemptCount >= d.cfg.MaxAttempts {
			return outcomeExhausted, d.queue.MarkJobFailed(ctx, job.ID, d.cfg.Consumer, string(apperrors.CodeAttemptsExhausted), errorText(outcome.Err), now)
		}
		next := now.Add(d.backoff(job.AttemptCount))
		return string(workerdomain.StatusRetry), d.queue.MarkJobRetry(ctx, job.ID, d.cfg.Consumer, next, string(outcome.Code()), errorText(outcome.Err))
	default:
		return string(workerdomain.StatusFailed), d.queue.MarkJobFailed(ctx, job.ID, d.cfg.Consumer, string(outcome.Code()), errorText(outcome.Err), now)
	}
}

// backoff doubles RetryBackoff per prior attempt, capped at RetryMaxDelay.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		if delay >= d.cfg.RetryMaxDelay/2 {
			return d.cfg.RetryMaxDelay
		}
		delay *= 2
	}
	if delay > d.cfg.RetryMaxDelay {
		return d.cfg.RetryMaxDelay
	}
	return delay
}

func (d *Dispatcher) now() time.Time {
	return d.clock().UTC()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

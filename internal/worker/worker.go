// Package worker runs the poll, lease, render and ack loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/pdfq/internal/backoff"
	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/filestore"
	"github.com/SirClappington/pdfq/internal/queue"
	"github.com/SirClappington/pdfq/internal/webhook"
)

type Queue interface {
	Lease(ctx context.Context, batch int, visibility time.Duration) ([]queue.Task, error)
	Ack(ctx context.Context, t queue.Task) (bool, error)
	Extend(ctx context.Context, t queue.Task, visibility time.Duration) (bool, error)
	Retry(ctx context.Context, t queue.Task, delay time.Duration) (bool, error)
	DeadLetter(ctx context.Context, t queue.Task, reason string) error
}

type Jobs interface {
	MarkProcessing(ctx context.Context, id string) (*domain.Job, bool, error)
	Complete(ctx context.Context, id string, r domain.Result) (bool, error)
	Fail(ctx context.Context, id string, code domain.ErrorCode, msg string) (bool, error)
	RecordUsage(ctx context.Context, u domain.UsageEvent) error
}

type Renderer interface {
	Render(ctx context.Context, job *domain.Job) ([]byte, error)
}

type Files interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

type Notifier interface {
	Deliver(ctx context.Context, tenantID string, teamID *string, p webhook.Payload)
}

type Worker struct {
	queue    Queue
	jobs     Jobs
	renderer Renderer
	files    Files
	notifier Notifier
	logger   *zap.Logger

	baseURL       string
	batchSize     int
	concurrency   int
	pollInterval  time.Duration
	visibility    time.Duration
	maxDeliveries int
	retry         backoff.Strategy
}

type Option func(*Worker)

func WithBatchSize(n int) Option { return func(w *Worker) { w.batchSize = max(n, 1) } }

// WithConcurrency bounds how many tasks of a batch render at once.
func WithConcurrency(n int) Option { return func(w *Worker) { w.concurrency = max(n, 1) } }

func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }

func WithVisibilityTimeout(d time.Duration) Option { return func(w *Worker) { w.visibility = d } }

// WithMaxDeliveries sets how often a task may be leased before it is
// dead-lettered and its job failed.
func WithMaxDeliveries(n int) Option { return func(w *Worker) { w.maxDeliveries = n } }

func WithRetryBackoff(s backoff.Strategy) Option { return func(w *Worker) { w.retry = s } }

func New(q Queue, jobs Jobs, renderer Renderer, files Files, notifier Notifier, baseURL string, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		queue:         q,
		jobs:          jobs,
		renderer:      renderer,
		files:         files,
		notifier:      notifier,
		logger:        logger,
		baseURL:       strings.TrimRight(baseURL, "/"),
		batchSize:     4,
		concurrency:   1,
		pollInterval:  time.Second,
		visibility:    2 * time.Minute,
		maxDeliveries: 5,
	}
	for _, o := range opts {
		o(w)
	}
	if w.retry == nil {
		w.retry = backoff.NewExponentialWithJitter(w.pollInterval, 30*time.Second)
	}
	return w
}

// Run polls until ctx is cancelled. Tasks already leased when ctx ends are
// finished before Run returns. Lease errors and batches that hit transient
// render errors both back off before the next lease.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("batch_size", w.batchSize),
		zap.Int("concurrency", w.concurrency),
		zap.Duration("poll_interval", w.pollInterval))

	failures := 0
	for ctx.Err() == nil {
		tasks, err := w.queue.Lease(ctx, w.batchSize, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			d := w.retry.Delay(failures)
			w.logger.Warn("lease failed", zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", d))
			_ = backoff.Sleep(ctx, d)
			continue
		}

		if len(tasks) == 0 {
			failures = 0
			_ = backoff.Sleep(ctx, w.pollInterval)
			continue
		}
		if n := w.ProcessBatch(context.WithoutCancel(ctx), tasks); n > 0 {
			failures++
			d := w.retry.Delay(failures)
			w.logger.Warn("tasks deferred", zap.Int("deferred", n), zap.Int("failures", failures), zap.Duration("retry_in", d))
			_ = backoff.Sleep(ctx, d)
			continue
		}
		failures = 0
	}

	w.logger.Info("worker stopped")
	return nil
}

// ProcessBatch handles tasks with bounded parallelism. Every outcome is
// recorded on the job or left to re-delivery; it returns how many tasks
// were left because of a transient error.
func (w *Worker) ProcessBatch(ctx context.Context, tasks []queue.Task) int {
	var deferred atomic.Int32
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			if w.process(ctx, t) {
				deferred.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(deferred.Load())
}

// process handles one task and reports whether it was left for
// re-delivery because of a transient error.
func (w *Worker) process(ctx context.Context, t queue.Task) (deferred bool) {
	log := w.logger.With(zap.String("job_id", t.JobID), zap.String("task_id", t.ID), zap.Int("attempt", t.Attempts))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			deferred = true
		}
	}()

	if w.maxDeliveries > 0 && t.Attempts > w.maxDeliveries {
		return !w.abandon(ctx, t, log)
	}

	job, claimed, err := w.jobs.MarkProcessing(ctx, t.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("task for unknown job")
		w.ack(ctx, t, log)
		return false
	}
	if err != nil {
		log.Error("mark processing failed", zap.Error(err))
		return true
	}
	if job.Status.Terminal() {
		log.Info("job already finished", zap.String("status", string(job.Status)))
		w.ack(ctx, t, log)
		return false
	}
	if !claimed {
		log.Info("resuming re-delivered job")
	}

	stop := w.heartbeat(ctx, t, log)
	start := time.Now()
	pdf, err := w.render(ctx, job)
	stop()

	if err != nil {
		var je *domain.JobError
		if !errors.As(err, &je) {
			log.Warn("render interrupted; returning task to the queue", zap.Error(err))
			w.requeue(ctx, t, log)
			return true
		}
		if !w.fail(ctx, job, je.Code, je.Message, log) {
			return true
		}
		w.ack(ctx, t, log)
		return false
	}

	if !w.complete(ctx, job, pdf, time.Since(start), log) {
		return true
	}
	w.ack(ctx, t, log)
	return false
}

// render runs the renderer, turning a panic into a job failure.
func (w *Worker) render(ctx context.Context, job *domain.Job) (pdf []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("render panicked", zap.String("job_id", job.ID),
				zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = domain.NewJobError(domain.CodeRenderFailed, "rendering failed", fmt.Errorf("panic: %v", rec))
		}
	}()
	return w.renderer.Render(ctx, job)
}

// complete stores the PDF and marks the job succeeded. It reports whether
// the task may be acked.
func (w *Worker) complete(ctx context.Context, job *domain.Job, pdf []byte, elapsed time.Duration, log *zap.Logger) bool {
	token, err := filestore.NewToken()
	if err != nil {
		log.Error("download token", zap.Error(err))
		return false
	}
	path, err := w.files.Put(ctx, filestore.Key(job.TenantID, job.ID), pdf)
	if err != nil {
		log.Error("store result failed", zap.Error(err))
		return false
	}
	url := w.baseURL + "/files/" + token

	applied, err := w.jobs.Complete(ctx, job.ID, domain.Result{Path: path, URL: url, DownloadToken: token, Bytes: len(pdf)})
	if err != nil {
		log.Error("complete job failed", zap.Error(err))
		return false
	}
	if !applied {
		log.Info("job finished by another delivery")
		return true
	}

	log.Info("job succeeded", zap.Int("bytes", len(pdf)), zap.Duration("elapsed", elapsed))
	if err := w.jobs.RecordUsage(ctx, domain.UsageEvent{
		TenantID:   job.TenantID,
		APIKeyID:   job.APIKeyID,
		JobID:      job.ID,
		Bytes:      len(pdf),
		DurationMS: elapsed.Milliseconds(),
	}); err != nil {
		log.Warn("record usage failed", zap.Error(err))
	}
	w.notifier.Deliver(ctx, job.TenantID, job.TeamID, webhook.Payload{
		Event:  domain.EventJobCompleted,
		JobID:  job.ID,
		Status: domain.Succeeded,
		PDFURL: url,
	})
	return true
}

// fail marks the job failed and notifies. It reports whether the task may
// be acked.
func (w *Worker) fail(ctx context.Context, job *domain.Job, code domain.ErrorCode, msg string, log *zap.Logger) bool {
	applied, err := w.jobs.Fail(ctx, job.ID, code, msg)
	if err != nil {
		log.Error("fail job failed", zap.Error(err))
		return false
	}
	if !applied {
		log.Info("job finished by another delivery")
		return true
	}

	log.Info("job failed", zap.String("code", string(code)), zap.String("message", msg))
	w.notifier.Deliver(ctx, job.TenantID, job.TeamID, webhook.Payload{
		Event:  domain.EventJobFailed,
		JobID:  job.ID,
		Status: domain.Failed,
		Error:  &webhook.PayloadError{Code: string(code), Message: msg},
	})
	return true
}

// abandon fails the job of a task that keeps coming back, then
// dead-letters the task. The task is only parked once its job is
// terminal, so a store error leaves both for the next delivery. It reports
// whether the task was dead-lettered.
func (w *Worker) abandon(ctx context.Context, t queue.Task, log *zap.Logger) bool {
	// A job can only fail from processing; claim it first if it never got
	// that far.
	job, _, err := w.jobs.MarkProcessing(ctx, t.JobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		log.Error("mark processing failed", zap.Error(err))
		return false
	case !job.Status.Terminal():
		msg := fmt.Sprintf("rendering was abandoned after %d attempts", t.Attempts-1)
		if !w.fail(ctx, job, domain.CodeRenderFailed, msg, log) {
			return false
		}
	}

	reason := fmt.Sprintf("exceeded %d deliveries", w.maxDeliveries)
	if err := w.queue.DeadLetter(ctx, t, reason); err != nil {
		log.Error("dead letter failed", zap.Error(err))
		return false
	}
	log.Warn("task dead-lettered", zap.String("reason", reason))
	return true
}

// requeue returns a task whose render failed transiently without spending
// a delivery, so an outage cannot exhaust maxDeliveries.
func (w *Worker) requeue(ctx context.Context, t queue.Task, log *zap.Logger) {
	ok, err := w.queue.Retry(ctx, t, w.pollInterval)
	if err != nil {
		log.Error("requeue failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("lease lost before requeue")
	}
}

func (w *Worker) ack(ctx context.Context, t queue.Task, log *zap.Logger) {
	ok, err := w.queue.Ack(ctx, t)
	if err != nil {
		log.Error("ack failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("lease lost before ack")
	}
}

// heartbeat extends the task's lease while a render runs. The returned
// func stops it and waits for the goroutine to exit.
func (w *Worker) heartbeat(ctx context.Context, t queue.Task, log *zap.Logger) func() {
	every := w.visibility / 3
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				ok, err := w.queue.Extend(ctx, t, w.visibility)
				switch {
				case err != nil && ctx.Err() == nil:
					log.Warn("extend lease failed", zap.Error(err))
				case err == nil && !ok:
					log.Warn("lease lost during render")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/database"
	"github.com/user/pixrand-go/internal/metrics"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
)

// Periodic enqueue intervals.
const (
	proxyProbeInterval = 5 * time.Minute
	cleanupInterval    = 6 * time.Hour
	heartbeatInterval  = 10 * time.Second
)

// JobHandler executes one claimed job. Returning nil completes it; a
// *DeferError reschedules without burning an attempt; any other error
// counts as a recoverable failure.
type JobHandler func(ctx context.Context, job *models.Job) error

// DeferError asks the worker to reschedule a job without incrementing
// its attempt counter.
type DeferError struct {
	RunAfter time.Time
	Reason   string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.RunAfter.UTC().Format(time.RFC3339), e.Reason)
}

// Worker polls the durable queue, dispatches handlers, and maintains
// the liveness heartbeat plus periodic maintenance enqueues.
type Worker struct {
	cfg      *config.Config
	jobs     *repository.JobRepository
	settings *SettingsService
	logger   *zap.Logger

	workerID string
	pid      int

	handlers map[string]JobHandler

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastProbe     time.Time
	lastCleanup   time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWorker creates a Worker with an empty handler registry.
func NewWorker(cfg *config.Config, jobs *repository.JobRepository, settings *SettingsService, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		jobs:     jobs,
		settings: settings,
		logger:   logger,
		workerID: uuid.New().String(),
		pid:      os.Getpid(),
		handlers: make(map[string]JobHandler),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, handler JobHandler) {
	w.handlers[jobType] = handler
}

// WorkerID returns this worker's identity used in job locks.
func (w *Worker) WorkerID() string { return w.workerID }

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("worker started",
		zap.String("worker_id", w.workerID),
		zap.Int("pid", w.pid),
		zap.Int("batch_size", w.cfg.Worker.BatchSize))
}

// Stop signals the loop and waits for in-flight handlers.
func (w *Worker) Stop() {
	close(w.done)
	w.wg.Wait()
	w.logger.Info("worker stopped", zap.String("worker_id", w.workerID))
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	idle := time.Duration(w.cfg.Worker.PollIntervalMS) * time.Millisecond
	if idle <= 0 {
		idle = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		w.heartbeat(ctx)
		w.periodicEnqueues(ctx)

		claimed := w.claimAndDispatch(ctx)
		if claimed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-time.After(idle):
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	due := time.Since(w.lastHeartbeat) >= heartbeatInterval
	if due {
		w.lastHeartbeat = time.Now()
	}
	w.mu.Unlock()
	if !due {
		return
	}
	if err := w.settings.RecordWorkerHeartbeat(ctx, w.workerID, w.pid, time.Now()); err != nil {
		w.logger.Error("heartbeat write failed", zap.Error(err))
	}
}

// periodicEnqueues schedules recurring maintenance. Ref de-dup in the
// queue keeps at most one in-flight job per purpose.
func (w *Worker) periodicEnqueues(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	probeDue := now.Sub(w.lastProbe) >= proxyProbeInterval
	if probeDue {
		w.lastProbe = now
	}
	cleanupDue := now.Sub(w.lastCleanup) >= cleanupInterval
	if cleanupDue {
		w.lastCleanup = now
	}
	w.mu.Unlock()

	if probeDue {
		w.enqueue(ctx, repository.EnqueueParams{
			Type:        models.JobTypeProxyProbe,
			PayloadJSON: "{}",
			RefType:     models.JobRefProxyProbe,
			RefID:       "all",
			MaxAttempts: 3,
		})
	}
	if cleanupDue {
		w.enqueue(ctx, repository.EnqueueParams{
			Type:        models.JobTypeCleanupRequestLog,
			PayloadJSON: "{}",
			RefType:     models.JobRefCleanup,
			RefID:       "request_logs",
			MaxAttempts: 3,
		})
	}
}

func (w *Worker) enqueue(ctx context.Context, p repository.EnqueueParams) {
	if _, err := w.jobs.Enqueue(ctx, p); err != nil {
		w.logger.Error("periodic enqueue failed", zap.String("type", p.Type), zap.Error(err))
	}
}

func (w *Worker) claimAndDispatch(ctx context.Context) int {
	lockTTL := time.Duration(w.cfg.Worker.LockTTLSeconds) * time.Second
	batch := w.cfg.Worker.BatchSize
	if batch < 1 {
		batch = 1
	}

	claimed := 0
	for i := 0; i < batch; i++ {
		job, err := w.jobs.Claim(ctx, w.workerID, lockTTL, time.Now())
		if err != nil {
			if database.IsBusy(err) {
				return claimed
			}
			w.logger.Error("claim failed", zap.Error(err))
			return claimed
		}
		if job == nil {
			return claimed
		}
		claimed++
		w.dispatch(ctx, job)
	}
	return claimed
}

func (w *Worker) dispatch(ctx context.Context, job *models.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Error("unknown job type", zap.String("type", job.Type), zap.Int64("job_id", job.ID))
		if err := w.finalize(ctx, func() error {
			return w.jobs.MarkPermanent(ctx, job.ID, w.workerID, "unknown job type: "+job.Type)
		}); err != nil {
			w.logger.Error("mark permanent failed", zap.Error(err))
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "dlq").Inc()
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if err := w.finalize(ctx, func() error {
			return w.jobs.MarkCompleted(ctx, job.ID, w.workerID)
		}); err != nil {
			w.logger.Error("mark completed failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "completed").Inc()
		w.logger.Info("job completed",
			zap.Int64("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Duration("elapsed", elapsed))
		return

	case isDeferSignal(err):
		runAfter, reason := deferParams(err)
		if err := w.finalize(ctx, func() error {
			return w.jobs.Defer(ctx, job.ID, w.workerID, runAfter, reason)
		}); err != nil {
			w.logger.Error("defer failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "deferred").Inc()
		return

	default:
		w.failJob(ctx, job, err)
	}
}

func (w *Worker) failJob(ctx context.Context, job *models.Job, cause error) {
	msg := redact.Error(cause)

	if job.Attempt+1 >= job.MaxAttempts {
		if err := w.finalize(ctx, func() error {
			return w.jobs.MarkDLQ(ctx, job.ID, w.workerID, msg)
		}); err != nil {
			w.logger.Error("mark dlq failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "dlq").Inc()
		w.logger.Warn("job moved to dlq",
			zap.Int64("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempt+1),
			zap.String("error", msg))
		return
	}

	runAfter := time.Now().Add(RetryBackoff(job.Attempt + 1))
	if err := w.finalize(ctx, func() error {
		return w.jobs.MarkFailedRetry(ctx, job.ID, w.workerID, runAfter, msg)
	}); err != nil {
		w.logger.Error("mark failed-retry failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.Type, "failed").Inc()
	w.logger.Warn("job failed, will retry",
		zap.Int64("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt+1),
		zap.Time("run_after", runAfter),
		zap.String("error", msg))
}

// finalize writes a terminal job state. Losing one of these writes to
// lock contention would rerun or strand the job, so busy errors retry.
func (w *Worker) finalize(ctx context.Context, fn func() error) error {
	return database.WithRetry(ctx, fn)
}

// isDeferSignal recognizes explicit defers and storage-busy bounces.
func isDeferSignal(err error) bool {
	var d *DeferError
	return errors.As(err, &d) || database.IsBusy(err)
}

func deferParams(err error) (time.Time, string) {
	var d *DeferError
	if errors.As(err, &d) {
		return d.RunAfter, d.Reason
	}
	return time.Now().Add(StorageBusyDefer()), "storage busy"
}

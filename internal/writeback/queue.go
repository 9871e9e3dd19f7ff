// Package writeback provides the single write-behind worker used for
// slow-tier persistence. Callers enqueue jobs fire-and-forget; the
// worker retries each job a bounded number of times and logs failures
// instead of propagating them.
package writeback

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Job is one persistence operation. It must be safe to run more than
// once.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue drains persistence jobs on a single background worker.
type Queue struct {
	jobs    chan Job
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	retries uint64
}

// NewQueue creates a queue with the given buffer size. When the buffer
// is full, Enqueue drops the job and logs, keeping callers non-blocking.
func NewQueue(bufSize int, logger *zap.Logger) *Queue {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Queue{
		jobs:    make(chan Job, bufSize),
		logger:  logger,
		done:    make(chan struct{}),
		retries: 2,
	}
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx)
}

// Stop cancels the worker and waits for it to drain the in-flight job.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

// Enqueue submits a job. Never blocks and never returns an error: a
// full buffer drops the job with a log line.
func (q *Queue) Enqueue(job Job) {
	select {
	case q.jobs <- job:
	default:
		q.logger.Warn("writeback queue full, dropping job", zap.String("job", job.Name))
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case job := <-q.jobs:
			q.run(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	backoff := retry.WithMaxRetries(q.retries, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := job.Run(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Warn("writeback job failed",
			zap.String("job", job.Name),
			zap.Error(err),
		)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
	"github.com/codequay/codequay/internal/rpc"
	"github.com/codequay/codequay/internal/store"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("job queue is full")

// JobQueue runs async dispatch jobs on a bounded worker pool. Each job's
// lifetime is decoupled from the request that created it: the record moves
// pending -> processing -> (completed|failed) as the detached work
// progresses, and errors are written into the record, never dropped.
type JobQueue struct {
	d    *Dispatcher
	repo store.Repository
	cfg  config.JobsConfig

	jobs chan *domain.AsyncJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewJobQueue builds a queue bound to the dispatcher's sync path.
func NewJobQueue(d *Dispatcher, repo store.Repository, cfg config.JobsConfig) *JobQueue {
	return &JobQueue{
		d:    d,
		repo: repo,
		cfg:  cfg,
		jobs: make(chan *domain.AsyncJob, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until Close.
func (q *JobQueue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for job := range q.jobs {
				q.process(ctx, job)
			}
		}(i)
	}
	slog.Info("Job workers started", "workers", q.cfg.Workers, "queue_size", q.cfg.QueueSize)
}

// Enqueue submits a pending job without blocking. A full queue is an error
// the caller surfaces; the job record is failed by the dispatcher.
func (q *JobQueue) Enqueue(job *domain.AsyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("job queue closed")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	slog.Info("Job workers drained")
}

func (q *JobQueue) process(ctx context.Context, job *domain.AsyncJob) {
	jobCtx := ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}

	if err := q.repo.MarkJobProcessing(jobCtx, job.ID); err != nil {
		if errors.Is(err, store.ErrJobTransition) {
			// Already claimed or terminal; nothing to do.
			slog.Warn("Job not in pending state, skipping", "job_id", job.ID)
			return
		}
		slog.Error("Failed to mark job processing", "error", err, "job_id", job.ID)
		return
	}

	result, rpcErr := q.d.Dispatch(jobCtx, job.Method, job.Params, ModeSync)
	if rpcErr != nil {
		q.fail(jobCtx, job.ID, rpcErr)
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		q.fail(jobCtx, job.ID, rpc.Errorf(rpc.CodeInternalError, "encode job result: %v", err))
		return
	}
	if err := q.repo.CompleteJob(jobCtx, job.ID, payload); err != nil {
		slog.Error("Failed to complete job", "error", err, "job_id", job.ID)
		return
	}
	slog.Info("Job completed", "job_id", job.ID, "method", job.Method)
}

func (q *JobQueue) fail(ctx context.Context, jobID string, rpcErr *rpc.Error) {
	payload, err := json.Marshal(rpcErr)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"code":%d,"message":"encode failure"}`, rpc.CodeInternalError))
	}
	if err := q.repo.FailJob(ctx, jobID, payload); err != nil {
		slog.Error("Failed to record job failure", "error", err, "job_id", jobID)
		return
	}
	slog.Warn("Job failed", "job_id", jobID, "code", rpcErr.Code)
}

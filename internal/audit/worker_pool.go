package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-option-audit/internal/models"
	"github.com/johnayoung/go-option-audit/internal/repair"
)

// GroupJob is one unit of audit work: a single option series with its
// normalized records, sorted by timestamp.
type GroupJob struct {
	Group   models.GroupKey
	Records []*models.OptionRecord
}

// GroupOutcome is the audited result of one group: the repair
// partition plus the group's partial report contribution. Partial
// reports merge in completion order; groups are disjoint, so the
// merged totals are independent of scheduling.
type GroupOutcome struct {
	Group  models.GroupKey
	Result *repair.GroupResult
	Report *models.AuditReport
}

// AuditFunc runs the detection and repair stages for one group.
type AuditFunc func(ctx context.Context, job *GroupJob) (*GroupOutcome, error)

// WorkerPool fans group jobs out over a fixed set of workers. The
// audit of one group is self-contained, so workers share nothing but
// the job channels and the pool statistics.
type WorkerPool struct {
	workerCount int
	auditFn     AuditFunc
	logger      *slog.Logger

	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper

	workers []worker
	quit    chan bool
	wg      sync.WaitGroup

	stats     *poolStats
	isStarted int32
}

// jobWrapper carries a job with its completion callback.
type jobWrapper struct {
	job      *GroupJob
	callback func(*GroupOutcome, error)
	ctx      context.Context
}

// worker is a single worker in the pool.
type worker struct {
	id          int
	workerQueue chan chan *jobWrapper
	jobChannel  chan *jobWrapper
	quit        chan bool
	auditFn     AuditFunc
	logger      *slog.Logger
	stats       *poolStats
}

// poolStats tracks pool-wide statistics.
type poolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// PoolStats is a read-only snapshot of the pool statistics.
type PoolStats struct {
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// NewWorkerPool creates a worker pool running auditFn per job.
func NewWorkerPool(workerCount int, auditFn AuditFunc, logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		auditFn:     auditFn,
		logger:      logger.With("component", "worker_pool"),
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan bool),
		stats:       &poolStats{},
	}
}

// Start launches the workers and the dispatcher.
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Info("starting worker pool", "worker_count", wp.workerCount)

	wp.workers = make([]worker, wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		w := worker{
			id:          i + 1,
			workerQueue: wp.workerQueue,
			jobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			auditFn:     wp.auditFn,
			logger:      wp.logger,
			stats:       wp.stats,
		}
		wp.workers[i] = w
		wp.wg.Add(1)
		go w.start(wp.wg.Done)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
	}

	wp.wg.Add(1)
	go wp.dispatch()
	return nil
}

// Stop shuts the pool down and waits for in-flight jobs up to the
// context deadline.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues one group job. The callback fires exactly once, from
// a worker goroutine on completion or from this goroutine if the
// context is already cancelled.
func (wp *WorkerPool) Submit(ctx context.Context, job *GroupJob, callback func(*GroupOutcome, error)) {
	atomic.AddInt32(&wp.stats.queuedJobs, 1)

	wrapper := &jobWrapper{job: job, callback: callback, ctx: ctx}
	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(nil, ctx.Err())
		}
	}
}

// Stats returns a snapshot of the pool statistics.
func (wp *WorkerPool) Stats() PoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)
	total := completed + failed

	avg := time.Duration(0)
	if total > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / total)
	}
	return PoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

// dispatch hands queued jobs to idle workers.
func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case wrapper := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			select {
			case jobChannel := <-wp.workerQueue:
				jobChannel <- wrapper
			case <-wp.quit:
				if wrapper.callback != nil {
					wrapper.callback(nil, fmt.Errorf("worker pool is shutting down"))
				}
				return
			}
		case <-wp.quit:
			return
		}
	}
}

// start runs the worker loop: register as idle, take a job, repeat.
func (w *worker) start(done func()) {
	defer done()

	for {
		w.workerQueue <- w.jobChannel

		select {
		case wrapper := <-w.jobChannel:
			w.process(wrapper)
		case <-w.quit:
			return
		}
	}
}

// process audits one group and reports the outcome.
func (w *worker) process(wrapper *jobWrapper) {
	startTime := time.Now()

	outcome, err := w.auditFn(wrapper.ctx, wrapper.job)

	duration := time.Since(startTime)
	atomic.AddInt64(&w.stats.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&w.stats.failedJobs, 1)
		w.logger.Error("group audit failed",
			"worker_id", w.id,
			"group", wrapper.job.Group.String(),
			"error", err,
			"duration", duration)
	} else {
		atomic.AddInt64(&w.stats.completedJobs, 1)
		w.logger.Debug("group audited",
			"worker_id", w.id,
			"group", wrapper.job.Group.String(),
			"records", len(wrapper.job.Records),
			"duration", duration)
	}

	if wrapper.callback != nil {
		wrapper.callback(outcome, err)
	}
}

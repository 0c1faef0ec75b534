// Package reconcile finds listings that need settlement and feeds them to the
// release executor: a bounded work queue, a full scan of the ledger, and a
// BuyerConfirmed event subscription.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/release"
)

var (
	ErrQueueStopped = errors.New("reconcile: queue is not accepting work")
	ErrQueueFull    = errors.New("reconcile: queue is full")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

// Job asks for one listing to be settled.
type Job struct {
	ListingID uint64
	Action    chain.Action
	Source    release.Source
}

// Runner executes jobs. *release.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, id uint64, action chain.Action, source release.Source) release.Result
	MarkPending(ctx context.Context, id uint64, action chain.Action, source release.Source)
}

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
}

type jobKey struct {
	id     uint64
	action chain.Action
}

// Queue is a bounded job queue drained by a fixed worker pool. A job that is
// already waiting is not queued twice. Stop ends intake and waits for
// running jobs; jobs still waiting are dropped and rediscovered by the next
// scan.
type Queue struct {
	runner  Runner
	workers int
	size    int
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    chan Job
	waiting map[jobKey]struct{}
	quit    chan struct{}
	open    bool
	wg      sync.WaitGroup
}

// NewQueue creates a stopped queue.
func NewQueue(runner Runner, workers, size int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		runner:  runner,
		workers: workers,
		size:    size,
		logger:  logger,
	}
}

// Start launches the workers. Jobs run with ctx, so callers should pass a
// context that outlives Stop. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.open {
		return
	}
	q.jobs = make(chan Job, q.size)
	q.waiting = make(map[jobKey]struct{})
	q.quit = make(chan struct{})
	q.open = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, q.jobs, q.quit)
	}
}

// Enqueue queues job. It reports false with a nil error when an identical
// job is already waiting.
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.ListingID == 0 {
		return false, fmt.Errorf("%w: 0", chain.ErrInvalidListing)
	}

	key := jobKey{job.ListingID, job.Action}
	jobs, err := q.reserve(key)
	if err != nil || jobs == nil {
		return false, err
	}

	// Journal before any worker can see the job.
	q.runner.MarkPending(ctx, job.ListingID, job.Action, job.Source)

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.open || q.jobs != jobs {
		delete(q.waiting, key)
		queueRejected.WithLabelValues("stopped").Inc()
		return false, ErrQueueStopped
	}
	select {
	case q.jobs <- job:
		queueDepth.Set(float64(len(q.jobs)))
		return true, nil
	default:
		delete(q.waiting, key)
		queueRejected.WithLabelValues("full").Inc()
		return false, ErrQueueFull
	}
}

// reserve marks key as waiting and returns the channel it will be sent on.
// A nil channel with a nil error means key is already waiting.
func (q *Queue) reserve(key jobKey) (chan Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.open {
		queueRejected.WithLabelValues("stopped").Inc()
		return nil, ErrQueueStopped
	}
	if _, dup := q.waiting[key]; dup {
		queueRejected.WithLabelValues("duplicate").Inc()
		return nil, nil
	}
	if len(q.jobs) >= cap(q.jobs) {
		queueRejected.WithLabelValues("full").Inc()
		return nil, ErrQueueFull
	}
	q.waiting[key] = struct{}{}
	return q.jobs, nil
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.jobs == nil {
		return 0
	}
	return len(q.jobs)
}

// Running reports whether the queue accepts work.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open
}

// Stop ends intake and waits for running jobs, or for ctx to expire.
// Stopping a stopped queue is a no-op.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.open {
		q.mu.Unlock()
		return nil
	}
	q.open = false
	close(q.quit)
	dropped := len(q.jobs)
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dropping queued jobs on stop", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		queueDepth.Set(0)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconcile: waiting for workers: %w", ctx.Err())
	}
}

func (q *Queue) work(ctx context.Context, jobs <-chan Job, quit <-chan struct{}) {
	defer q.wg.Done()
	for {
		// Prefer quitting over picking up more work.
		select {
		case <-quit:
			return
		default:
		}
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case job := <-jobs:
			q.mu.Lock()
			delete(q.waiting, jobKey{job.ListingID, job.Action})
			queueDepth.Set(float64(len(jobs)))
			q.mu.Unlock()
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in settlement worker", "listingId", job.ListingID, "panic", fmt.Sprint(r))
		}
	}()
	q.runner.Execute(ctx, job.ListingID, job.Action, job.Source)
}

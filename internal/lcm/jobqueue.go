package lcm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runnable is a unit of graph work a worker thread executes (spec.md §4.2,
// §4.6): in practice, a *ProcessNode's do_work step for the current phase.
type Runnable interface {
	DoWork(ctx context.Context)
}

// defaultEnqueueTimeout is the bounded wait spec.md §4.2 describes for a
// full queue ("a timed wait, default 500ms; failure to enqueue is retried
// while the owning graph is still in_transition").
const defaultEnqueueTimeout = 500 * time.Millisecond

// JobQueue is the bounded worker pool + job queue (component C2).
//
// Grounded on internal/infrastructure/processmgr/slot_pool.go's
// ownership-based admission model, but the job queue itself additionally
// needs FIFO ordering and a fixed worker count pulling from it — slot_pool
// only gates concurrent acquisition, it has no queue. The gating half is
// reused almost directly (a bounded count with blocking/timed acquire); the
// FIFO half is a buffered channel, which is the idiomatic Go MPMC queue and
// needs no bespoke data structure the way the C++ original's intrusive
// queue did.
//
// The bounded MPMC FIFO itself is a buffered channel, the idiomatic Go
// queue; see launcher.go for golang.org/x/sync/semaphore.Weighted, which
// replaces process_manager2.go's hand-rolled slotPool for the launcher's
// preflight/onflight admission gates.
type JobQueue struct {
	log *zap.Logger

	ch chan Runnable

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context
	workers int
}

// WorkerCount resolves the configured worker count per SPEC_FULL.md §D's
// Open Question decision: GOMAXPROCS(0) clamped to [2,4], unless overridden.
func WorkerCount(override int) int {
	if override > 0 {
		return override
	}
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	if n > 4 {
		return 4
	}
	return n
}

// NewJobQueue creates a job queue with the given capacity (equal to the
// total configured process count, per spec.md §4.2) and worker count.
func NewJobQueue(log *zap.Logger, capacity, workers int) *JobQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if workers <= 0 {
		workers = WorkerCount(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobQueue{
		log:     log.Named("jobqueue"),
		ch:      make(chan Runnable, capacity),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}
}

// Start launches the configured number of worker goroutines. Each pulls a
// Runnable off the queue and executes its DoWork synchronously — the
// thread-per-job model spec.md §9's Design Notes calls for in place of a
// cooperative scheduler.
func (q *JobQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

func (q *JobQueue) worker(id int) {
	defer q.wg.Done()
	log := q.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	for {
		select {
		case <-q.ctx.Done():
			log.Debug("worker stopping")
			return
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			job.DoWork(q.ctx)
		}
	}
}

// Enqueue attempts to enqueue r within the given timeout (default 500ms per
// spec.md §4.2 if timeout<=0). Enqueue itself does not retry; EnqueueRetry
// polls its stillInFlight argument so that, per spec.md §4.2, enqueue
// failures are retried only while the owning graph is still in_transition.
func (q *JobQueue) Enqueue(r Runnable, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobqueue: enqueue timed out after %s", timeout)
	}
}

// EnqueueRetry keeps attempting Enqueue while stillInFlight() returns true,
// matching spec.md §4.2's "retried while the owning graph is still
// in_transition" and the Open Question in spec.md §9 about that retry
// loop's termination condition: here, stillInFlight is the explicit
// condition, so the loop always terminates once the round leaves
// in_transition.
func (q *JobQueue) EnqueueRetry(r Runnable, stillInFlight func() bool) error {
	for stillInFlight() {
		if err := q.Enqueue(r, defaultEnqueueTimeout); err == nil {
			return nil
		}
		q.log.Warn("enqueue failed, retrying while round is in flight")
	}
	return fmt.Errorf("jobqueue: round left in_transition before enqueue succeeded")
}

// Stop posts sentinel wakeups equal to the worker count (by cancelling the
// context each worker selects on) and waits for all workers to exit.
func (q *JobQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

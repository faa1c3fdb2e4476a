package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueStarted = errors.New("queue: already started")
	ErrQueueStopped = errors.New("queue: stopped")
	ErrQueueFull    = errors.New("queue: buffer full")
)

// Job is one unit of work, typically a full conversation turn. Jobs get a
// single attempt; anything worth retrying owns its retry policy inside Run.
type Job struct {
	ID             string
	AttemptTimeout time.Duration
	Run            func(context.Context) error
}

// Queue is a bounded worker pool. Enqueue never blocks: a full buffer
// rejects the job so the caller can degrade instead of piling up turns.
type Queue struct {
	mu      sync.Mutex
	jobs    chan Job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	nextID    atomic.Uint64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

type Stats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	InFlight  int64  `json:"in_flight"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{jobs: make(chan Job, buffer)}
}

func (q *Queue) Enqueue(job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("queue: job run callback is required")
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("q-%d", q.nextID.Add(1))
	}

	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return "", ErrQueueStopped
	}

	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		return job.ID, nil
	default:
		q.rejected.Add(1)
		return "", fmt.Errorf("%w: depth %d", ErrQueueFull, cap(q.jobs))
	}
}

func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// Stop drains buffered jobs before cancelling workers, up to the timeout.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for timeout > 0 && time.Now().Before(deadline) {
		if len(q.jobs) == 0 && q.inFlight.Load() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(time.Until(deadline) + 100*time.Millisecond):
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	return Stats{
		Started:   started,
		Depth:     len(q.jobs),
		Capacity:  cap(q.jobs),
		InFlight:  q.inFlight.Load(),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.inFlight.Add(1)
			q.runOnce(ctx, job)
			q.inFlight.Add(-1)
		}
	}
}

func (q *Queue) runOnce(parent context.Context, job Job) {
	runCtx := parent
	cancel := func() {}
	if job.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.AttemptTimeout)
	}
	defer cancel()

	if err := job.Run(runCtx); err != nil {
		q.failed.Add(1)
		return
	}
	q.completed.Add(1)
}

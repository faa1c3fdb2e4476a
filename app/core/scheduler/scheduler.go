package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"korkibot/app/pkg/logger"
)

var (
	ErrJobExists     = errors.New("scheduler: job already exists")
	ErrAlreadyActive = errors.New("scheduler: already started")
)

// Job is a periodic background task, typically the reminder poll cycle.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(context.Context) error
}

type JobStatus struct {
	Name         string        `json:"name"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastEndAt    time.Time     `json:"last_end_at"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

// Runner drives a fixed set of periodic jobs. Register everything before
// Start; each job runs on its own ticker goroutine until Stop.
type Runner struct {
	mu      sync.Mutex
	jobs    map[string]Job
	status  map[string]JobStatus
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Runner {
	return &Runner{
		jobs:   make(map[string]Job),
		status: make(map[string]JobStatus),
	}
}

func (r *Runner) Register(job Job) error {
	if job.Name == "" {
		return errors.New("scheduler: job name is required")
	}
	if job.Interval <= 0 {
		return errors.New("scheduler: job interval must be greater than zero")
	}
	if job.Run == nil {
		return errors.New("scheduler: job run callback is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyActive
	}
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	r.jobs[job.Name] = job
	r.status[job.Name] = JobStatus{Name: job.Name}
	return nil
}

func (r *Runner) Start(parent context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.started = true
	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for _, job := range jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
	logger.Info("scheduler started with %d jobs", len(jobs))
	return nil
}

func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	r.mu.Unlock()

	cancel()
	if timeout <= 0 {
		r.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler: stop timeout after %s", timeout)
	}
}

// Snapshot reports per-job run counters, sorted by name.
func (r *Runner) Snapshot() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]JobStatus, 0, len(r.status))
	for _, st := range r.status {
		items = append(items, st)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	if job.RunOnStart {
		r.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(parent context.Context, job Job) {
	start := time.Now()
	r.mu.Lock()
	st := r.status[job.Name]
	st.LastStartAt = start
	r.status[job.Name] = st
	r.mu.Unlock()

	runCtx := parent
	cancel := func() {}
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.Timeout)
	}
	defer cancel()

	err := job.Run(runCtx)
	end := time.Now()

	r.mu.Lock()
	st = r.status[job.Name]
	st.Runs++
	st.LastEndAt = end
	st.LastDuration = end.Sub(start)
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	r.status[job.Name] = st
	r.mu.Unlock()

	if err != nil && parent.Err() == nil {
		logger.Error("job %s failed: %v", job.Name, err)
	}
}

// Package scheduler runs periodic maintenance jobs (idle queue eviction,
// delivery lock cleanup, media retention) on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobNotFound is returned for an unknown job name.
var ErrJobNotFound = errors.New("scheduler: job not found")

// DefaultJobTimeout bounds a single run when the job sets none.
const DefaultJobTimeout = time.Minute

// Job is a named periodic task.
type Job struct {
	// Name identifies the job in logs and status.
	Name string

	// Schedule is a cron expression or descriptor ("@every 1m", "@hourly").
	Schedule string

	// Timeout bounds one run. Zero means DefaultJobTimeout.
	Timeout time.Duration

	// Run does the work.
	Run func(ctx context.Context) error
}

// Status reports the last outcome of a job.
type Status struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	RunCount  int       `json:"run_count"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
}

type entry struct {
	job    Job
	id     cron.EntryID
	status Status
}

// Scheduler manages maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*entry
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a Scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:   make(map[string]*entry),
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run func is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	e := &entry{job: job, status: Status{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job.Name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	e.id = id
	s.jobs[job.Name] = e

	s.logger.Info("job added", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits up to ten seconds for them.
func (s *Scheduler) Stop() {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	s.execute(name)
	return nil
}

// Statuses returns every job status sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs a job once. Overlapping fires are skipped, panics are
// recovered and every run is bounded by the job timeout.
func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.status.Running {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "name", name)
		return
	}
	e.status.Running = true
	e.status.RunCount++
	e.status.LastRunAt = time.Now()
	job := e.job
	s.mu.Unlock()

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "name", name, "panic", r)
		}
		s.mu.Lock()
		e.status.Running = false
		e.status.LastError = ""
		if runErr != nil {
			e.status.LastError = runErr.Error()
		}
		s.mu.Unlock()
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	runErr = job.Run(ctx)
	if runErr != nil {
		s.logger.Warn("scheduled job failed", "name", name, "error", runErr, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job done", "name", name, "duration", time.Since(start))
}

package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrUnknownJob is returned by Trigger for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc executes one run of a periodic job.
type JobFunc func(ctx context.Context) error

// RunRecorder receives the outcome of every job run.
type RunRecorder func(name string, started, finished time.Time, err error)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	running  sync.Mutex
}

// Scheduler runs named periodic jobs. Each job runs once when the
// scheduler starts and then on its own ticker. Runs of the same job never
// overlap: a tick that arrives while the job is still running is dropped.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*job
	order    []string
	recorder RunRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{jobs: make(map[string]*job)}
}

// Register adds a job. Registering after Start has no effect until the
// next Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		s.order = append(s.order, name)
	}
	s.jobs[name] = &job{name: name, interval: interval, fn: fn}
}

// OnRun sets the recorder notified after every run.
func (s *Scheduler) OnRun(fn RunRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = fn
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one loop per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Stop cancels every loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Trigger runs a job now and waits for it, queueing behind a run already
// in progress.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	j.running.Lock()
	defer j.running.Unlock()
	return s.run(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run one immediate tick on startup.
	s.tick(ctx, j)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	if !j.running.TryLock() {
		log.Printf("automation: %s still running, tick dropped", j.name)
		return
	}
	defer j.running.Unlock()
	if err := s.run(ctx, j); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("automation: %s failed: %v", j.name, err)
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	started := time.Now().UTC()
	err := j.fn(ctx)
	finished := time.Now().UTC()

	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()
	if recorder != nil {
		recorder(j.name, started, finished, err)
	}
	return err
}

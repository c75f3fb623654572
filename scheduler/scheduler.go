// Package scheduler runs named periodic jobs with exactly one active runner
// across instances. Every tick races the lock; whichever instance wins the
// lease runs the job body under it, and everybody else skips the cycle.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mopl/realtime/lock"
	"github.com/mopl/realtime/types"
)

// Locker grants auto-renewing leases. lock.Coordinator satisfies it.
type Locker interface {
	Hold(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context, lease types.LockLease) error) error
}

// Job is one scheduled responsibility. Run receives the lease so it can tag
// durable writes with the fencing token; its context is cancelled if the
// lease is lost mid-run.
type Job struct {
	// Name is the lock name; it must be stable across instances.
	Name string

	// Every is the scheduling interval.
	Every time.Duration

	// Lease is the lock duration, an upper bound on one run. Zero defaults
	// to five minutes.
	Lease time.Duration

	// Run is the job body.
	Run func(ctx context.Context, lease types.LockLease) error
}

const defaultLease = 5 * time.Minute

// Scheduler drives a set of jobs.
type Scheduler struct {
	locker Locker
	log    *slog.Logger

	mu   sync.Mutex
	jobs []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Scheduler.
func New(locker Locker, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		locker: locker,
		log:    log.With("component", "scheduler"),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Every <= 0 || job.Run == nil {
		return errors.New("scheduler: job needs a name, interval and body")
	}
	if job.Lease <= 0 {
		job.Lease = defaultLease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

// Close stops all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.locker.Hold(ctx, job.Name, job.Lease, job.Run)
			switch {
			case err == nil:
				s.log.Debug("job completed", "job", job.Name)
			case errors.Is(err, lock.ErrNotAcquired):
				// Another instance holds the lock this cycle.
				s.log.Debug("job held elsewhere", "job", job.Name)
			case errors.Is(err, lock.ErrStaleLease):
				s.log.Error("job aborted by fencing", "job", job.Name, "error", err)
			case errors.Is(err, context.Canceled):
				return
			default:
				s.log.Error("job failed", "job", job.Name, "error", err)
			}
		}
	}
}

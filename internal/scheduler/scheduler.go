// Package scheduler runs the gateway's named periodic jobs — cache
// cleanup, verification passes, bundle repair sweeps, peer DNS refresh —
// each on its own ticker, fanned out under one errgroup so cancellation
// and first-error propagation are uniform.
//
// Grounded on AKJUS-bsc-erigon's errgroup fan-out pattern for long-lived
// background services and the teacher's ticker-less retry loops
// (uploader/uploader.go), regularized here into tickers because gateway
// jobs are periodic rather than run-to-completion.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one named periodic task. Run is invoked once per tick; a
// returned error is logged, not fatal — a broken job retries next tick.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// RunOnStart fires the job immediately as well as on each tick.
	RunOnStart bool
}

// Scheduler owns a set of periodic jobs.
type Scheduler struct {
	log  *zap.Logger
	jobs []Job
}

// New builds an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Add registers a job; must be called before Run.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Run drives every registered job until ctx is cancelled. It returns
// only after all job goroutines have exited.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.runJob(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	log := s.log.With(zap.String("job", job.Name))
	if job.RunOnStart {
		s.tick(ctx, log, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, log, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, log *zap.Logger, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Debug("job completed", zap.Duration("elapsed", time.Since(start)))
}

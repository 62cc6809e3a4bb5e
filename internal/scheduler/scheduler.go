// Package scheduler runs periodic maintenance on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/em2/internal/types"
)

// Job is a named function fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job and starts the cron ticker. A job with an
// invalid schedule is logged and skipped.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		_, err := s.cron.AddFunc(job.Schedule, func() {
			slog.Debug("cron firing job", "name", job.Name)
			job.Run(s.ctx)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
}

// Stop stops the ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Sweeper drops expired cache entries and reports how many went.
type Sweeper interface {
	Sweep() int
}

// SendCounter counts fallback sends in a status since a time.
type SendCounter interface {
	CountSends(ctx context.Context, status types.SendStatus, since time.Time) (int64, error)
}

// SweepJob sweeps every cache on schedule.
func SweepJob(schedule string, caches map[string]Sweeper) Job {
	return Job{
		Name:     "cache-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			for name, c := range caches {
				if n := c.Sweep(); n > 0 {
					slog.Debug("swept cache", "cache", name, "expired", n)
				}
			}
		},
	}
}

// FailedSendsJob logs how many fallback emails failed during the last window.
func FailedSendsJob(schedule string, window time.Duration, sends SendCounter) Job {
	return Job{
		Name:     "failed-sends",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			since := time.Now().Add(-window)
			for _, status := range []types.SendStatus{types.SendFailed, types.SendBounced, types.SendComplaint} {
				n, err := sends.CountSends(ctx, status, since)
				if err != nil {
					slog.Error("count sends", "status", status, "error", err)
					return
				}
				if n > 0 {
					slog.Warn("fallback delivery problems", "status", status, "count", n, "window", window)
				}
			}
		},
	}
}

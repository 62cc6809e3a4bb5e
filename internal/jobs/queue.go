// Package jobs runs background work in per-key FIFO lanes with a global
// concurrency limit. Jobs for the same key run one at a time in the order
// they were enqueued.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/em2/internal/types"
)

const (
	laneBuffer      = 100
	laneIdleTimeout = time.Minute
)

var ErrStopped = errors.New("queue stopped")

type Job[T any] struct {
	ID      types.JobID
	Key     string
	Attempt int
	Payload T
}

// Queue processes Jobs with a processor function. Up to maxConcurrent jobs
// run at once across all keys.
type Queue[T any] struct {
	name      string
	lanes     map[string]chan *Job[T]
	semaphore *semaphore.Weighted
	processor func(context.Context, *Job[T]) error
	// inflight counts jobs from Enqueue until their processor returns.
	inflight  atomic.Int64
	timers    map[*time.Timer]struct{}
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewQueue[T any](name string, maxConcurrent int64) *Queue[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue[T]{
		name:      name,
		lanes:     make(map[string]chan *Job[T]),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue[T]) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels pending deferred jobs, closes all lanes and waits for running
// jobs to return.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	for key, lane := range q.lanes {
		close(lane)
		delete(q.lanes, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue[T]) SetProcessor(fn func(context.Context, *Job[T]) error) {
	q.processor = fn
}

// Enqueue adds job to the lane of its key, starting the lane on first use.
func (q *Queue[T]) Enqueue(job *Job[T]) error {
	if job.ID == "" {
		job.ID = types.NewJobID()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.ctx == nil {
		return ErrStopped
	}

	lane, exists := q.lanes[job.Key]
	if !exists {
		lane = make(chan *Job[T], laneBuffer)
		q.lanes[job.Key] = lane
		q.wg.Add(1)
		go q.processLane(job.Key, lane)
	}

	q.inflight.Add(1)
	select {
	case lane <- job:
		return nil
	default:
		q.inflight.Add(-1)
		return fmt.Errorf("%s queue full for %s", q.name, job.Key)
	}
}

// EnqueueAfter enqueues job once delay has passed. Jobs still waiting when
// the queue stops are dropped.
func (q *Queue[T]) EnqueueAfter(job *Job[T], delay time.Duration) {
	if delay <= 0 {
		if err := q.Enqueue(job); err != nil {
			slog.Warn("enqueue failed", "queue", q.name, "key", job.Key, "error", err)
		}
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(job); err != nil && !errors.Is(err, ErrStopped) {
			slog.Warn("deferred enqueue failed", "queue", q.name, "key", job.Key, "error", err)
		}
	})
	q.timers[t] = struct{}{}
}

// processLane drains one lane, taking a semaphore slot per job. An idle lane
// removes itself.
func (q *Queue[T]) processLane(key string, lane chan *Job[T]) {
	defer q.wg.Done()
	idle := time.NewTimer(laneIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.inflight.Add(-1)
				return
			}
			q.run(job)
			q.semaphore.Release(1)
			q.inflight.Add(-1)
			idle.Reset(laneIdleTimeout)
		case <-idle.C:
			q.mu.Lock()
			if len(lane) == 0 && q.lanes[key] == lane {
				delete(q.lanes, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(laneIdleTimeout)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue[T]) run(job *Job[T]) {
	if q.processor == nil {
		return
	}
	start := time.Now()
	if err := q.processor(q.ctx, job); err != nil {
		slog.Error("job failed", "queue", q.name, "job_id", string(job.ID), "key", job.Key,
			"attempt", job.Attempt, "error", err)
		return
	}
	slog.Debug("job done", "queue", q.name, "job_id", string(job.ID), "key", job.Key,
		"duration", time.Since(start))
}

// Pending reports queued, running and deferred jobs.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers) + int(q.inflight.Load())
}

// WaitIdle blocks until no jobs are running or queued, or the timeout
// expires. Deferred jobs are not waited for. Returns true if idle.
func (q *Queue[T]) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.busy() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (q *Queue[T]) busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.inflight.Load())
}

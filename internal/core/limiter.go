package core

// limiter.go bounds concurrent derivation jobs (CSV transform, compression).
//
// Jobs take a slot from a semaphore before touching disk. When all slots are
// busy a job waits up to maxWait and then fails with ErrTooManyJobs.
// WaitForDrain lets shutdown wait for running jobs to finish.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxConcurrentJobs is the default limit for parallel jobs.
const DefaultMaxConcurrentJobs = 4

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// JobLimiter controls concurrent job processing using a semaphore.
type JobLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration
	active    atomic.Int64
}

// NewJobLimiter creates a limiter that allows at most maxConcurrent jobs.
// Jobs that cannot acquire a slot within maxWait receive ErrTooManyJobs.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &JobLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire waits for a slot and returns the function that releases it. The
// release function is safe to call more than once.
func (l *JobLimiter) Acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.semaphore <- struct{}{}:
		return l.releaser(), nil
	case <-timer.C:
		return nil, ErrTooManyJobs
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. ok is false when none is free.
func (l *JobLimiter) TryAcquire() (release func(), ok bool) {
	select {
	case l.semaphore <- struct{}{}:
		return l.releaser(), true
	default:
		return nil, false
	}
}

func (l *JobLimiter) releaser() func() {
	l.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Add(-1)
			<-l.semaphore
		})
	}
}

// ActiveCount returns the number of running jobs.
func (l *JobLimiter) ActiveCount() int {
	return int(l.active.Load())
}

// WaitForDrain blocks until no jobs are running or ctx is done.
func (l *JobLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// JobLimiterStatus is a snapshot of the limiter's state.
type JobLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state for monitoring.
func (l *JobLimiter) Status() JobLimiterStatus {
	return JobLimiterStatus{
		Active:        l.ActiveCount(),
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type memoryJob struct {
	job      domain.ReservationJob
	attempts int
	lease    string
	deadline time.Time // lease expiry while active
	dueAt    time.Time // retry time while delayed
}

// MemoryBroker is an in-process JobBroker. Jobs are lost when the process
// exits.
type MemoryBroker struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*memoryJob
	wait    []string
	active  map[string]struct{}
	delayed map[string]struct{}
	failed  []domain.FailedJob
	wake    chan struct{}
	closed  bool
}

func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:    opts.withDefaults(),
		jobs:    make(map[string]*memoryJob),
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
		wake:    make(chan struct{}),
	}
}

// broadcast wakes every blocked Deliver. Caller holds mu.
func (b *MemoryBroker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) Enqueue(_ context.Context, job domain.ReservationJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	b.jobs[job.ID] = &memoryJob{job: job}
	b.wait = append(b.wait, job.ID)
	b.broadcast()
	return nil
}

func (b *MemoryBroker) Deliver(ctx context.Context) (*domain.Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}

		now := time.Now()
		next := b.promote(now)

		if len(b.wait) > 0 {
			id := b.wait[0]
			b.wait = b.wait[1:]
			d := b.claim(id, now)
			b.mu.Unlock()
			return d, nil
		}

		wake := b.wake
		b.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// promote moves due retries and expired leases to the wait queue and
// returns the earliest future time at which another one becomes ready.
// Caller holds mu.
func (b *MemoryBroker) promote(now time.Time) time.Time {
	var next time.Time
	earliest := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for id := range b.delayed {
		j := b.jobs[id]
		if !j.dueAt.After(now) {
			delete(b.delayed, id)
			b.wait = append(b.wait, id)
			continue
		}
		earliest(j.dueAt)
	}

	for id := range b.active {
		j := b.jobs[id]
		if !j.deadline.After(now) {
			delete(b.active, id)
			j.lease = ""
			b.wait = append(b.wait, id)
			continue
		}
		earliest(j.deadline)
	}

	return next
}

// claim hands out a job under a fresh lease. Caller holds mu.
func (b *MemoryBroker) claim(id string, now time.Time) *domain.Delivery {
	j := b.jobs[id]
	j.attempts++
	j.lease = uuid.NewString()
	j.deadline = now.Add(b.opts.VisibilityTimeout)
	b.active[id] = struct{}{}

	return &domain.Delivery{
		Job:         j.job,
		Attempt:     j.attempts,
		MaxAttempts: b.opts.Retry.MaxAttempts,
		Lease:       j.lease,
		State:       domain.JobDelivered,
		DeliveredAt: now,
	}
}

// owned returns the job when d still holds its lease. Caller holds mu.
func (b *MemoryBroker) owned(d *domain.Delivery) (*memoryJob, bool) {
	j, ok := b.jobs[d.Job.ID]
	if !ok || j.lease == "" || j.lease != d.Lease {
		return nil, false
	}
	return j, true
}

func (b *MemoryBroker) Ack(_ context.Context, d *domain.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.owned(d); !ok {
		return ErrLeaseLost
	}

	delete(b.active, d.Job.ID)
	delete(b.jobs, d.Job.ID)
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, d *domain.Delivery, cause error, retry bool) (domain.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.owned(d)
	if !ok {
		return d.State, ErrLeaseLost
	}

	delete(b.active, d.Job.ID)
	now := time.Now()

	if retry && b.opts.Retry.canRetry(d.Attempt) {
		j.lease = ""
		j.dueAt = now.Add(b.opts.Retry.Delay(d.Attempt))
		b.delayed[d.Job.ID] = struct{}{}
		b.broadcast()
		return domain.JobPending, nil
	}

	delete(b.jobs, d.Job.ID)
	b.failed = append(b.failed, domain.FailedJob{
		Job:      j.job,
		Attempts: d.Attempt,
		Reason:   failureReason(cause),
		FailedAt: now,
	})
	if over := len(b.failed) - b.opts.FailedCap; over > 0 {
		b.failed = b.failed[over:]
	}

	return domain.JobTerminallyFailed, nil
}

// FailedJobs returns terminal failures, newest first.
func (b *MemoryBroker) FailedJobs(_ context.Context, limit int) ([]domain.FailedJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.failed)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]domain.FailedJob, 0, n)
	for i := len(b.failed) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.failed[i])
	}
	return out, nil
}

func (b *MemoryBroker) Contains(_ context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.jobs[jobID]
	return ok, nil
}

// Len reports jobs not yet acked or terminally failed.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type JobBroker interface {
	Enqueue(ctx context.Context, job domain.ReservationJob) error

	// Deliver blocks until a job is available or ctx is done.
	Deliver(ctx context.Context) (*domain.Delivery, error)

	Ack(ctx context.Context, d *domain.Delivery) error

	// Fail schedules a retry with backoff when retry is set and attempts
	// remain, returning JobPending; otherwise it records the job as failed
	// and returns JobTerminallyFailed.
	Fail(ctx context.Context, d *domain.Delivery, cause error, retry bool) (domain.JobState, error)

	FailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error)
	// Contains reports whether the job is still held by the broker, waiting,
	// leased or scheduled for retry.
	Contains(ctx context.Context, jobID string) (bool, error)

	Close() error
}

// FailureNotifier surfaces terminal job failures to operators.
type FailureNotifier interface {
	NotifyTerminalFailure(ctx context.Context, failed domain.FailedJob) error
}

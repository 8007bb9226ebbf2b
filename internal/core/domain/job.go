package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

// ReservationJob carries a reservation intent from the engine to the worker.
// ID doubles as the idempotency key of the resulting order.
type ReservationJob struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewReservationJob(productID string, quantity int, now time.Time) ReservationJob {
	return ReservationJob{
		ID:        uuid.NewString(),
		ProductID: productID,
		Quantity:  quantity,
		CreatedAt: now,
	}
}

type JobState string

const (
	JobPending          JobState = "pending"
	JobDelivered        JobState = "delivered"
	JobCommitted        JobState = "committed"
	JobFailed           JobState = "failed"
	JobTerminallyFailed JobState = "terminally_failed"
)

type JobEvent string

const (
	EventDeliver JobEvent = "deliver"
	EventCommit  JobEvent = "commit"
	EventFail    JobEvent = "fail"
	EventRetry   JobEvent = "retry"
	EventExhaust JobEvent = "exhaust"
)

var jobTransitions = map[JobState]map[JobEvent]JobState{
	JobPending: {
		EventDeliver: JobDelivered,
	},
	JobDelivered: {
		EventCommit:  JobCommitted,
		EventFail:    JobFailed,
		EventExhaust: JobTerminallyFailed,
	},
	JobFailed: {
		EventRetry:   JobPending,
		EventExhaust: JobTerminallyFailed,
	},
}

// Next returns the state reached from s on e.
func (s JobState) Next(e JobEvent) (JobState, error) {
	if next, ok := jobTransitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}

func (s JobState) Terminal() bool {
	return s == JobCommitted || s == JobTerminallyFailed
}

// Delivery is one broker hand-off of a job. Attempt counts deliveries,
// including this one.
type Delivery struct {
	Job         ReservationJob
	Attempt     int
	MaxAttempts int
	Lease       string
	State       JobState
	DeliveredAt time.Time
}

// Exhausted reports a delivery that is past its last allowed attempt, which
// happens when the lease of the final attempt expired.
func (d *Delivery) Exhausted() bool {
	return d.MaxAttempts > 0 && d.Attempt > d.MaxAttempts
}

func (d *Delivery) Transition(e JobEvent) error {
	next, err := d.State.Next(e)
	if err != nil {
		return err
	}
	d.State = next
	return nil
}

// FailedJob is the operational record of a terminally failed job.
type FailedJob struct {
	Job      ReservationJob `json:"job"`
	Attempts int            `json:"attempts"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failedAt"`
}

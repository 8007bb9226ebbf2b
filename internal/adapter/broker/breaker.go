package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

var ErrCircuitOpen = errors.New("broker circuit open")

type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// GuardedBroker puts Enqueue behind a circuit breaker so a dead broker
// fails fast. Every other call goes straight to the wrapped broker.
type GuardedBroker struct {
	port.JobBroker
	cb *gobreaker.CircuitBreaker[any]
}

func NewGuardedBroker(inner port.JobBroker, settings BreakerSettings, logger zerolog.Logger) *GuardedBroker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "broker-enqueue",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		// A cancelled request says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &GuardedBroker{JobBroker: inner, cb: cb}
}

func (g *GuardedBroker) Enqueue(ctx context.Context, job domain.ReservationJob) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.JobBroker.Enqueue(ctx, job)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (g *GuardedBroker) State() gobreaker.State {
	return g.cb.State()
}

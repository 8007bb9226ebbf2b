package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// LogNotifier reports terminal failures to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "failure-notifier").Logger()}
}

func (n *LogNotifier) NotifyTerminalFailure(_ context.Context, failed domain.FailedJob) error {
	n.logger.Error().
		Str("job_id", failed.Job.ID).
		Str("product_id", failed.Job.ProductID).
		Int("quantity", failed.Job.Quantity).
		Int("attempts", failed.Attempts).
		Str("reason", failed.Reason).
		Msg("reservation job terminally failed")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []port.FailureNotifier

func (m Multi) NotifyTerminalFailure(ctx context.Context, failed domain.FailedJob) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyTerminalFailure(ctx, failed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

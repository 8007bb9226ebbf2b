package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/obs"
	"github.com/rl1809/stock-reservation/internal/port"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrCounterUnavailable = errors.New("stock counter unavailable")
)

const (
	defaultRequestTimeout  = 2 * time.Second
	defaultRollbackTimeout = 2 * time.Second
)

type ReservationConfig struct {
	// RequestTimeout bounds the counter call plus the enqueue.
	RequestTimeout time.Duration
	// RollbackTimeout bounds the compensating credit after a failed enqueue.
	RollbackTimeout time.Duration
}

type ReservationService struct {
	counter port.StockCounter
	broker  port.JobBroker
	cfg     ReservationConfig
	metrics *obs.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewReservationService(counter port.StockCounter, broker port.JobBroker, cfg ReservationConfig, metrics *obs.Metrics, logger zerolog.Logger) *ReservationService {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = defaultRollbackTimeout
	}
	return &ReservationService{
		counter: counter,
		broker:  broker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "reservation").Logger(),
		tracer:  otel.Tracer(obs.TracerName),
		now:     time.Now,
	}
}

// Reserve takes quantity units of productID from the fast counter and hands
// a persistence job to the broker. The returned Reservation carries the
// remaining fast stock either way.
func (s *ReservationService) Reserve(ctx context.Context, productID string, quantity int) (domain.Reservation, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		s.metrics.Reservations.WithLabelValues("invalid").Inc()
		return domain.Reservation{Reason: "product id is required"}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if quantity <= 0 {
		s.metrics.Reservations.WithLabelValues("invalid").Inc()
		return domain.Reservation{Reason: "quantity must be positive"}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	ctx, span := s.tracer.Start(ctx, "reservation.reserve", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	job := domain.NewReservationJob(productID, quantity, s.now())
	span.SetAttributes(attribute.String("job.id", job.ID))

	remaining, ok, err := s.counter.Reserve(ctx, productID, job.ID, quantity)
	if err != nil {
		s.metrics.Reservations.WithLabelValues("counter_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter unavailable")
		return domain.Reservation{Reason: "stock counter unavailable"}, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	if !ok {
		s.metrics.Reservations.WithLabelValues("rejected").Inc()
		return domain.Reservation{Remaining: remaining, Reason: "insufficient stock"}, ErrInsufficientStock
	}

	if err := s.broker.Enqueue(ctx, job); err != nil {
		s.rollback(ctx, job, err)
		s.metrics.Reservations.WithLabelValues("broker_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return domain.Reservation{Reason: "broker unavailable"}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	s.metrics.Reservations.WithLabelValues("accepted").Inc()
	return domain.Reservation{Accepted: true, Remaining: remaining, JobID: job.ID}, nil
}

// rollback credits a reservation whose job never reached the broker. It
// runs detached from ctx, which may already be past its deadline.
func (s *ReservationService) rollback(ctx context.Context, job domain.ReservationJob, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RollbackTimeout)
	defer cancel()

	credited, err := s.counter.Credit(rctx, job.ProductID, job.ID, job.Quantity)
	if err != nil {
		// The pending entry stays, so the counter under-reports until an
		// operator resets it.
		s.logger.Error().Err(err).
			AnErr("enqueue_error", cause).
			Str("job_id", job.ID).
			Str("product_id", job.ProductID).
			Int("quantity", job.Quantity).
			Msg("CRITICAL: rollback after failed enqueue did not complete")
		return
	}

	if credited {
		s.metrics.Compensations.WithLabelValues("enqueue_failed").Inc()
	}
	s.logger.Warn().
		AnErr("enqueue_error", cause).
		Str("job_id", job.ID).
		Str("product_id", job.ProductID).
		Bool("credited", credited).
		Msg("rolled back reservation after failed enqueue")
}

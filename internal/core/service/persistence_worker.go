package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/obs"
	"github.com/rl1809/stock-reservation/internal/port"
)

var errLeaseExpired = errors.New("lease expired on final attempt")

const (
	defaultWorkerCount    = 10
	defaultJobTimeout     = 5 * time.Second
	defaultDeliverBackoff = 500 * time.Millisecond
)

type WorkerConfig struct {
	Count      int
	JobTimeout time.Duration
	// DeliverBackoff is the pause after a failed Deliver call.
	DeliverBackoff time.Duration
}

// PersistenceWorker drains reservation jobs into the durable store and keeps
// the fast counter in line with it.
type PersistenceWorker struct {
	broker   port.JobBroker
	store    port.CatalogStore
	counter  port.StockCounter
	notifier port.FailureNotifier
	cfg      WorkerConfig
	metrics  *obs.Metrics
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewPersistenceWorker(
	broker port.JobBroker,
	store port.CatalogStore,
	counter port.StockCounter,
	notifier port.FailureNotifier,
	cfg WorkerConfig,
	metrics *obs.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if cfg.Count <= 0 {
		cfg.Count = defaultWorkerCount
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.DeliverBackoff <= 0 {
		cfg.DeliverBackoff = defaultDeliverBackoff
	}
	return &PersistenceWorker{
		broker:   broker,
		store:    store,
		counter:  counter,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "worker").Logger(),
		tracer:   otel.Tracer(obs.TracerName),
	}
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
func (w *PersistenceWorker) Run(ctx context.Context) error {
	var g errgroup.Group

	for i := 0; i < w.cfg.Count; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	w.logger.Info().Int("workers", w.cfg.Count).Msg("started persistence workers")

	err := g.Wait()
	w.logger.Info().Msg("persistence workers stopped")
	return err
}

func (w *PersistenceWorker) loop(ctx context.Context, id int) {
	logger := w.logger.With().Int("worker", id).Logger()

	for {
		d, err := w.broker.Deliver(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("deliver failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.DeliverBackoff):
			}
			continue
		}

		// In-flight jobs finish even after shutdown starts.
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
		w.Process(jobCtx, d)
		cancel()
	}
}

// Process drives one delivery to a terminal or retry state.
func (w *PersistenceWorker) Process(ctx context.Context, d *domain.Delivery) {
	ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", d.Job.ID),
		attribute.String("product.id", d.Job.ProductID),
		attribute.Int("attempt", d.Attempt),
	))
	defer span.End()

	logger := w.logger.With().
		Str("job_id", d.Job.ID).
		Str("product_id", d.Job.ProductID).
		Int("attempt", d.Attempt).
		Logger()

	if d.Exhausted() {
		w.terminate(ctx, d, errLeaseExpired, logger)
		return
	}

	start := time.Now()
	result, err := w.store.CommitReservation(ctx, d.Job)
	w.metrics.CommitLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		w.handleFailure(ctx, d, err, logger)
		return
	}

	w.settle(ctx, d, result, logger)
}

// settle resyncs the counter from a committed result and acks the delivery.
// A failed resync still acks; the next commit or reconcile repairs it.
func (w *PersistenceWorker) settle(ctx context.Context, d *domain.Delivery, result domain.CommitResult, logger zerolog.Logger) {
	if err := d.Transition(domain.EventCommit); err != nil {
		logger.Error().Err(err).Msg("unexpected job state")
	}

	if _, err := w.counter.Resync(ctx, d.Job.ProductID, result.Stock, result.Version, d.Job.ID); err != nil {
		w.metrics.ResyncFailures.Inc()
		logger.Error().Err(err).Int64("authoritative_stock", result.Stock).Msg("counter resync failed after commit")
	}

	if err := w.broker.Ack(ctx, d); err != nil {
		logger.Warn().Err(err).Msg("ack failed, job may be redelivered")
	}

	outcome := "committed"
	if result.Duplicate {
		outcome = "duplicate"
	}
	w.metrics.Jobs.WithLabelValues(outcome).Inc()
	logger.Debug().Str("outcome", outcome).Int64("stock", result.Stock).Msg("job settled")
}

func (w *PersistenceWorker) handleFailure(ctx context.Context, d *domain.Delivery, cause error, logger zerolog.Logger) {
	retry := !errors.Is(cause, domain.ErrProductNotFound)
	if !retry || (d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts) {
		w.terminate(ctx, d, cause, logger)
		return
	}

	if err := d.Transition(domain.EventFail); err != nil {
		logger.Error().Err(err).Msg("unexpected job state")
	}

	state, err := w.broker.Fail(ctx, d, cause, true)
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("could not schedule retry, waiting for lease expiry")
		return
	}

	if state == domain.JobPending {
		_ = d.Transition(domain.EventRetry)
		w.metrics.Jobs.WithLabelValues("retried").Inc()
		logger.Warn().Err(cause).Msg("commit failed, retry scheduled")
		return
	}

	// Broker gave up earlier than expected and the job is gone from the
	// queue. If the ledger can't be read now, reconciliation releases the
	// reservation once it is old enough.
	_ = d.Transition(domain.EventExhaust)
	committed, lerr := w.isCommitted(ctx, d.Job.ID)
	if lerr == nil && committed {
		if result, err := w.store.CommitReservation(ctx, d.Job); err == nil {
			if _, err := w.counter.Resync(ctx, d.Job.ProductID, result.Stock, result.Version, d.Job.ID); err != nil {
				w.metrics.ResyncFailures.Inc()
			}
		}
		return
	}
	w.compensate(ctx, d, cause, lerr, logger)
}

// terminate ends a job that will not be retried. A job the ledger already
// holds is settled as committed instead of being credited back. While the
// ledger can't be read the job stays leased, so its redelivery repeats the
// check.
func (w *PersistenceWorker) terminate(ctx context.Context, d *domain.Delivery, cause error, logger zerolog.Logger) {
	committed, lerr := w.isCommitted(ctx, d.Job.ID)
	if lerr != nil {
		w.metrics.Jobs.WithLabelValues("outcome_unknown").Inc()
		logger.Error().Err(lerr).AnErr("cause", cause).Msg("ledger unavailable, leaving job for redelivery")
		return
	}
	if committed {
		result, err := w.store.CommitReservation(ctx, d.Job)
		if err == nil {
			logger.Info().Msg("job found in ledger, settling as committed")
			w.settle(ctx, d, result, logger)
			return
		}
		logger.Error().Err(err).Msg("could not read committed job, waiting for redelivery")
		return
	}

	if err := d.Transition(domain.EventFail); err != nil {
		logger.Error().Err(err).Msg("unexpected job state")
	}

	if _, err := w.broker.Fail(ctx, d, cause, false); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("could not record terminal failure, waiting for lease expiry")
		return
	}
	_ = d.Transition(domain.EventExhaust)

	w.compensate(ctx, d, cause, nil, logger)
}

// compensate is the action attached to entering TerminallyFailed: credit the
// counter once and tell operators.
func (w *PersistenceWorker) compensate(ctx context.Context, d *domain.Delivery, cause, ledgerErr error, logger zerolog.Logger) {
	w.metrics.Jobs.WithLabelValues("terminally_failed").Inc()

	if ledgerErr != nil {
		// Crediting without knowing the commit outcome could double count.
		logger.Error().Err(ledgerErr).Msg("ledger unavailable, reservation left pending")
	} else {
		credited, err := w.counter.Credit(ctx, d.Job.ProductID, d.Job.ID, d.Job.Quantity)
		switch {
		case err != nil:
			logger.Error().Err(err).Int("quantity", d.Job.Quantity).Msg("CRITICAL: credit after terminal failure failed")
		case credited:
			w.metrics.Compensations.WithLabelValues("terminal_failure").Inc()
		}
	}

	failed := domain.FailedJob{
		Job:      d.Job,
		Attempts: d.Attempt,
		Reason:   cause.Error(),
		FailedAt: time.Now(),
	}
	if err := w.notifier.NotifyTerminalFailure(ctx, failed); err != nil {
		w.metrics.Notifications.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("terminal failure notification failed")
		return
	}
	w.metrics.Notifications.WithLabelValues("sent").Inc()
}

func (w *PersistenceWorker) isCommitted(ctx context.Context, jobID string) (bool, error) {
	committed, err := w.store.CommittedJobs(ctx, []string{jobID})
	if err != nil {
		return false, err
	}
	return committed[jobID], nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/obs"
	"github.com/rl1809/stock-reservation/internal/port"
)

const inventoryKey = "inventory"

type ReconcileConfig struct {
	// OrphanAfter is the age past which a pending reservation that neither
	// the broker nor the ledger knows about is credited back. Zero disables
	// the release.
	OrphanAfter time.Duration
}

// InventoryService reads the fast counter alongside catalog metadata and
// realigns the two.
type InventoryService struct {
	store   port.CatalogStore
	counter port.StockCounter
	jobs    port.JobBroker
	cfg     ReconcileConfig
	metrics *obs.Metrics
	logger  zerolog.Logger
	group   singleflight.Group
	now     func() time.Time
}

func NewInventoryService(store port.CatalogStore, counter port.StockCounter, jobs port.JobBroker, cfg ReconcileConfig, metrics *obs.Metrics, logger zerolog.Logger) *InventoryService {
	return &InventoryService{
		store:   store,
		counter: counter,
		jobs:    jobs,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "inventory").Logger(),
		now:     time.Now,
	}
}

// FullInventory returns every product with its fast counter value. A product
// without a counter entry reports zero. Concurrent callers share one read.
func (s *InventoryService) FullInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	v, err, _ := s.group.Do(inventoryKey, func() (interface{}, error) {
		return s.loadInventory(ctx)
	})
	if err != nil {
		return nil, err
	}

	items := v.([]domain.InventoryItem)
	return append([]domain.InventoryItem(nil), items...), nil
}

func (s *InventoryService) loadInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}

	stocks, err := s.counter.Stocks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}

	items := make([]domain.InventoryItem, len(products))
	for i, p := range products {
		items[i] = domain.InventoryItem{
			ID:                 p.ID,
			Name:               p.Name,
			Price:              p.Price,
			Stock:              stocks[p.ID],
			AuthoritativeStock: p.Stock,
		}
	}

	return items, nil
}

// Reconcile drops pending reservations the ledger already holds, credits
// back orphaned ones and recomputes every counter from authoritative stock.
func (s *InventoryService) Reconcile(ctx context.Context) error {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		s.metrics.Reconciles.WithLabelValues("error").Inc()
		return fmt.Errorf("list products: %w", err)
	}

	settled := make(map[string][]string, len(products))
	for _, p := range products {
		ids, err := s.settlePending(ctx, p.ID)
		if err != nil {
			s.metrics.Reconciles.WithLabelValues("error").Inc()
			return err
		}
		settled[p.ID] = ids
	}

	// Authoritative stock is re-read after the ledger check so commits that
	// landed in between are counted.
	products, err = s.store.ListProducts(ctx)
	if err != nil {
		s.metrics.Reconciles.WithLabelValues("error").Inc()
		return fmt.Errorf("list products: %w", err)
	}

	for _, p := range products {
		stock, err := s.counter.Resync(ctx, p.ID, p.Stock, p.Version, settled[p.ID]...)
		if err != nil {
			s.metrics.Reconciles.WithLabelValues("error").Inc()
			return fmt.Errorf("resync %s: %w", p.ID, err)
		}
		s.logger.Debug().
			Str("product_id", p.ID).
			Int64("authoritative_stock", p.Stock).
			Int64("version", p.Version).
			Int64("stock", stock).
			Int("settled", len(settled[p.ID])).
			Msg("counter reconciled")
	}

	s.metrics.Reconciles.WithLabelValues("ok").Inc()
	s.logger.Info().Int("products", len(products)).Msg("reconciliation complete")
	return nil
}

// settlePending returns the pending jobs of a product that the ledger holds
// and credits those that are orphaned: older than OrphanAfter, gone from the
// broker and never committed. The broker is asked before the ledger, since
// a job leaves the broker only after its commit or terminal failure.
func (s *InventoryService) settlePending(ctx context.Context, productID string) ([]string, error) {
	pending, err := s.counter.Pending(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("read pending for %s: %w", productID, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var absent []string
	if s.cfg.OrphanAfter > 0 && s.jobs != nil {
		cutoff := s.now().Add(-s.cfg.OrphanAfter)
		for id, r := range pending {
			if r.ReservedAt.After(cutoff) {
				continue
			}
			held, err := s.jobs.Contains(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("check broker for %s: %w", id, err)
			}
			if !held {
				absent = append(absent, id)
			}
		}
	}

	jobIDs := make([]string, 0, len(pending))
	for id := range pending {
		jobIDs = append(jobIDs, id)
	}

	committed, err := s.store.CommittedJobs(ctx, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("check ledger for %s: %w", productID, err)
	}

	var settled []string
	for id, ok := range committed {
		if ok {
			settled = append(settled, id)
		}
	}

	for _, id := range absent {
		if committed[id] {
			continue
		}
		credited, err := s.counter.Credit(ctx, productID, id, int(pending[id].Quantity))
		if err != nil {
			return nil, fmt.Errorf("release orphan %s: %w", id, err)
		}
		if credited {
			s.metrics.Compensations.WithLabelValues("orphan_released").Inc()
			s.logger.Warn().
				Str("product_id", productID).
				Str("job_id", id).
				Int64("quantity", pending[id].Quantity).
				Time("reserved_at", pending[id].ReservedAt).
				Msg("released orphaned reservation")
		}
	}

	return settled, nil
}

// RunReconciler reconciles every interval until ctx is cancelled. Failures
// are logged and retried on the next tick.
func (s *InventoryService) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

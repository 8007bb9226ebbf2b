package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/obs"
)

func TestFullInventory_JoinsCounterAndCatalog(t *testing.T) {
	price := decimal.NewNullDecimal(decimal.RequireFromString("9.50"))
	store := newMockStore(
		domain.Product{ID: "a", Name: "Alpha", Stock: 10, Price: price},
		domain.Product{ID: "b", Name: "Beta", Stock: 4},
	)
	counter := newMockCounter(map[string]int64{"a": 7})
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())

	items, err := svc.FullInventory(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	assert.Equal(t, "Alpha", items[0].Name)
	assert.Equal(t, int64(7), items[0].Stock)
	assert.Equal(t, int64(10), items[0].AuthoritativeStock)
	assert.True(t, items[0].Price.Decimal.Equal(price.Decimal))

	assert.Equal(t, int64(0), items[1].Stock)
	assert.Equal(t, int64(4), items[1].AuthoritativeStock)
}

func TestFullInventory_StoreError(t *testing.T) {
	store := newMockStore()
	store.listErr = errUnavailable
	svc := NewInventoryService(store, newMockCounter(nil), &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())

	_, err := svc.FullInventory(context.Background())
	assert.ErrorIs(t, err, errUnavailable)
}

func TestFullInventory_ConcurrentCallers(t *testing.T) {
	store := newMockStore(domain.Product{ID: "a", Stock: 3})
	svc := NewInventoryService(store, newMockCounter(map[string]int64{"a": 3}), &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := svc.FullInventory(context.Background())
			if assert.NoError(t, err) && assert.Len(t, items, 1) {
				items[0].Stock = -1 // callers get their own copy
			}
		}()
	}
	wg.Wait()

	items, err := svc.FullInventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), items[0].Stock)
}

func TestReconcile_DropsCommittedPending(t *testing.T) {
	store := newMockStore(domain.Product{ID: "p1", Stock: 20})
	counter := newMockCounter(map[string]int64{"p1": 20})
	metrics := obs.NopMetrics()
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, metrics, zerolog.Nop())
	ctx := context.Background()

	committedJob := domain.NewReservationJob("p1", 5, time.Now())
	inFlightJob := domain.NewReservationJob("p1", 3, time.Now())
	for _, job := range []domain.ReservationJob{committedJob, inFlightJob} {
		_, ok, err := counter.Reserve(ctx, "p1", job.ID, job.Quantity)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// commit landed but the resync was lost
	_, err := store.CommitReservation(ctx, committedJob)
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx))

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[inFlightJob.ID].Quantity)
	assert.Equal(t, int64(12), counter.stockOf("p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Reconciles.WithLabelValues("ok")))
}

func TestReconcile_OverwritesDrift(t *testing.T) {
	store := newMockStore(domain.Product{ID: "p1", Stock: 8}, domain.Product{ID: "p2", Stock: 0})
	counter := newMockCounter(map[string]int64{"p1": 100})
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())

	require.NoError(t, svc.Reconcile(context.Background()))

	assert.Equal(t, int64(8), counter.stockOf("p1"))
	assert.Equal(t, int64(0), counter.stockOf("p2"))
}

func TestReconcile_LedgerError(t *testing.T) {
	store := newMockStore(domain.Product{ID: "p1", Stock: 8})
	counter := newMockCounter(map[string]int64{"p1": 8})
	_, _, _ = counter.Reserve(context.Background(), "p1", "job-1", 1)
	store.ledgerErr = errUnavailable
	metrics := obs.NopMetrics()
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, metrics, zerolog.Nop())

	err := svc.Reconcile(context.Background())
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, int64(7), counter.stockOf("p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Reconciles.WithLabelValues("error")))
}

func TestReconcile_StaleResultDoesNotRaiseCounter(t *testing.T) {
	store := newMockStore(domain.Product{ID: "p1", Stock: 20})
	counter := newMockCounter(map[string]int64{"p1": 20})
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())
	ctx := context.Background()

	job := domain.NewReservationJob("p1", 5, time.Now())
	_, _, err := counter.Reserve(ctx, "p1", job.ID, 5)
	require.NoError(t, err)
	result, err := store.CommitReservation(ctx, job)
	require.NoError(t, err)
	_, err = counter.Resync(ctx, "p1", result.Stock, result.Version, job.ID)
	require.NoError(t, err)

	// a resync carrying the catalog read from before the commit arrives late
	_, err = counter.Resync(ctx, "p1", 20, result.Version-1)
	require.NoError(t, err)
	assert.Equal(t, int64(15), counter.stockOf("p1"))

	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, int64(15), counter.stockOf("p1"))
}

func orphanFixture(t *testing.T) (*InventoryService, *mockCounter, *mockStore, *mockBroker, *obs.Metrics) {
	t.Helper()

	store := newMockStore(domain.Product{ID: "p1", Stock: 20})
	counter := newMockCounter(map[string]int64{"p1": 20})
	jobs := &mockBroker{held: make(map[string]bool)}
	metrics := obs.NopMetrics()
	svc := NewInventoryService(store, counter, jobs, ReconcileConfig{OrphanAfter: time.Minute}, metrics, zerolog.Nop())
	return svc, counter, store, jobs, metrics
}

func TestReconcile_ReleasesOrphanedReservation(t *testing.T) {
	svc, counter, _, _, metrics := orphanFixture(t)
	ctx := context.Background()

	// rollback of a failed enqueue never reached the counter
	counter.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	_, _, err := counter.Reserve(ctx, "p1", "orphan", 4)
	require.NoError(t, err)
	require.Equal(t, int64(16), counter.stockOf("p1"))

	require.NoError(t, svc.Reconcile(ctx))

	assert.Equal(t, int64(20), counter.stockOf("p1"))
	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Compensations.WithLabelValues("orphan_released")))
}

func TestReconcile_KeepsLiveReservations(t *testing.T) {
	svc, counter, store, jobs, _ := orphanFixture(t)
	ctx := context.Background()

	old := func() time.Time { return time.Now().Add(-2 * time.Minute) }

	// still waiting in the broker
	counter.now = old
	_, _, err := counter.Reserve(ctx, "p1", "queued", 1)
	require.NoError(t, err)
	jobs.held["queued"] = true

	// committed and acked, resync lost
	committed := domain.NewReservationJob("p1", 2, time.Now())
	_, _, err = counter.Reserve(ctx, "p1", committed.ID, 2)
	require.NoError(t, err)
	_, err = store.CommitReservation(ctx, committed)
	require.NoError(t, err)

	// too young to judge
	counter.now = time.Now
	_, _, err = counter.Reserve(ctx, "p1", "fresh", 3)
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx))

	pending, err := counter.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Contains(t, pending, "queued")
	assert.Contains(t, pending, "fresh")
	// 18 authoritative minus 1 queued and 3 fresh
	assert.Equal(t, int64(14), counter.stockOf("p1"))
}

func TestReconcile_BrokerErrorLeavesPending(t *testing.T) {
	svc, counter, _, jobs, _ := orphanFixture(t)
	ctx := context.Background()

	counter.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	_, _, err := counter.Reserve(ctx, "p1", "orphan", 4)
	require.NoError(t, err)
	jobs.containErr = errUnavailable

	assert.ErrorIs(t, svc.Reconcile(ctx), errUnavailable)
	assert.Equal(t, int64(16), counter.stockOf("p1"))
}

func TestRunReconciler_Ticks(t *testing.T) {
	store := newMockStore(domain.Product{ID: "p1", Stock: 5})
	counter := newMockCounter(map[string]int64{"p1": 0})
	svc := NewInventoryService(store, counter, &mockBroker{}, ReconcileConfig{}, obs.NopMetrics(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunReconciler(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return counter.stockOf("p1") == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

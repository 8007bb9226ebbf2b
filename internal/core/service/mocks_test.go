package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

var errUnavailable = errors.New("connection refused")

// Mock StockCounter
type mockCounter struct {
	mu         sync.Mutex
	stock      map[string]int64
	pending    map[string]map[string]domain.PendingReservation
	authority  map[string][2]int64 // stock, version
	reserveErr error
	creditErr  error
	resyncErr  error
	creditCtx  []error
	resyncs    int
	now        func() time.Time
}

func newMockCounter(stock map[string]int64) *mockCounter {
	if stock == nil {
		stock = make(map[string]int64)
	}
	return &mockCounter{
		stock:     stock,
		pending:   make(map[string]map[string]domain.PendingReservation),
		authority: make(map[string][2]int64),
		now:       time.Now,
	}
}

func (m *mockCounter) Reserve(_ context.Context, productID, jobID string, quantity int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserveErr != nil {
		return 0, false, m.reserveErr
	}
	current, ok := m.stock[productID]
	if !ok || current < int64(quantity) {
		return current, false, nil
	}
	m.stock[productID] = current - int64(quantity)
	if m.pending[productID] == nil {
		m.pending[productID] = make(map[string]domain.PendingReservation)
	}
	m.pending[productID][jobID] = domain.PendingReservation{Quantity: int64(quantity), ReservedAt: m.now()}
	return m.stock[productID], true, nil
}

func (m *mockCounter) Credit(ctx context.Context, productID, jobID string, quantity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creditCtx = append(m.creditCtx, ctx.Err())
	if m.creditErr != nil {
		return false, m.creditErr
	}
	if _, ok := m.pending[productID][jobID]; !ok {
		return false, nil
	}
	delete(m.pending[productID], jobID)
	m.stock[productID] += int64(quantity)
	return true, nil
}

func (m *mockCounter) Resync(_ context.Context, productID string, authoritative, version int64, settled ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resyncs++
	if m.resyncErr != nil {
		return 0, m.resyncErr
	}
	for _, id := range settled {
		delete(m.pending[productID], id)
	}
	if known, ok := m.authority[productID]; ok && known[1] > version {
		authoritative = known[0]
	} else {
		m.authority[productID] = [2]int64{authoritative, version}
	}
	available := authoritative
	for _, r := range m.pending[productID] {
		available -= r.Quantity
	}
	if available < 0 {
		available = 0
	}
	m.stock[productID] = available
	return available, nil
}

func (m *mockCounter) Pending(_ context.Context, productID string) (map[string]domain.PendingReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.PendingReservation, len(m.pending[productID]))
	for k, v := range m.pending[productID] {
		out[k] = v
	}
	return out, nil
}

func (m *mockCounter) Stocks(_ context.Context, productIDs []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64)
	for _, id := range productIDs {
		if v, ok := m.stock[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *mockCounter) Ping(context.Context) error { return nil }

func (m *mockCounter) stockOf(productID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID]
}

// Mock JobBroker
type mockBroker struct {
	mu         sync.Mutex
	enqueued   []domain.ReservationJob
	enqueueErr error
	blockCtx   bool
	acked      []string
	ackErr     error
	failCalls  []bool
	failState  domain.JobState
	failErr    error
	held       map[string]bool
	containErr error
}

func (m *mockBroker) Enqueue(ctx context.Context, job domain.ReservationJob) error {
	if m.blockCtx {
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

func (m *mockBroker) Deliver(ctx context.Context) (*domain.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockBroker) Ack(_ context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ackErr != nil {
		return m.ackErr
	}
	m.acked = append(m.acked, d.Job.ID)
	return nil
}

func (m *mockBroker) Fail(_ context.Context, d *domain.Delivery, _ error, retry bool) (domain.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls = append(m.failCalls, retry)
	if m.failErr != nil {
		return d.State, m.failErr
	}
	if m.failState != "" {
		return m.failState, nil
	}
	if retry {
		return domain.JobPending, nil
	}
	return domain.JobTerminallyFailed, nil
}

func (m *mockBroker) FailedJobs(context.Context, int) ([]domain.FailedJob, error) { return nil, nil }

func (m *mockBroker) Contains(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.containErr != nil {
		return false, m.containErr
	}
	return m.held[jobID], nil
}

func (m *mockBroker) Close() error { return nil }

// Mock CatalogStore
type mockStore struct {
	mu          sync.Mutex
	products    map[string]domain.Product
	orders      map[string]domain.Order
	commitErr   error
	ledgerErr   error
	listErr     error
	commitCalls int
}

func newMockStore(products ...domain.Product) *mockStore {
	s := &mockStore{products: make(map[string]domain.Product), orders: make(map[string]domain.Order)}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (m *mockStore) CommitReservation(_ context.Context, job domain.ReservationJob) (domain.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commitCalls++
	if order, ok := m.orders[job.ID]; ok {
		p := m.products[job.ProductID]
		return domain.CommitResult{Order: order, Stock: p.Stock, Version: p.Version, Duplicate: true}, nil
	}
	if m.commitErr != nil {
		return domain.CommitResult{}, m.commitErr
	}
	p, ok := m.products[job.ProductID]
	if !ok {
		return domain.CommitResult{}, domain.ErrProductNotFound
	}
	if p.Stock < int64(job.Quantity) {
		return domain.CommitResult{}, domain.ErrStockExhausted
	}
	p.Stock -= int64(job.Quantity)
	p.Version++
	m.products[p.ID] = p
	order := domain.Order{ID: "order-" + job.ID, JobID: job.ID, ProductID: job.ProductID, Quantity: job.Quantity, Status: domain.OrderStatusCompleted}
	m.orders[job.ID] = order
	return domain.CommitResult{Order: order, Stock: p.Stock, Version: p.Version}, nil
}

func (m *mockStore) CommittedJobs(_ context.Context, jobIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ledgerErr != nil {
		return nil, m.ledgerErr
	}
	out := make(map[string]bool)
	for _, id := range jobIDs {
		if _, ok := m.orders[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *mockStore) ListProducts(context.Context) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) ListOrders(context.Context, int) ([]domain.Order, error) { return nil, nil }

func (m *mockStore) UpsertProduct(_ context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.products[p.ID]; ok {
		p.Version = existing.Version
	}
	p.Version++
	m.products[p.ID] = p
	return nil
}

func (m *mockStore) Ping(context.Context) error { return nil }

// Mock FailureNotifier
type mockNotifier struct {
	mu     sync.Mutex
	failed []domain.FailedJob
	err    error
}

func (m *mockNotifier) NotifyTerminalFailure(_ context.Context, f domain.FailedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, f)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed)
}

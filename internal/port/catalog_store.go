package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type CatalogStore interface {
	// CommitReservation decrements authoritative stock and inserts the order in
	// one transaction. A job that was already committed yields Duplicate.
	CommitReservation(ctx context.Context, job domain.ReservationJob) (domain.CommitResult, error)

	// CommittedJobs returns the subset of jobIDs that have an order row.
	CommittedJobs(ctx context.Context, jobIDs []string) (map[string]bool, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)

	// ListOrders returns the most recent orders first.
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)

	// UpsertProduct creates or resets a product; used for seeding only.
	UpsertProduct(ctx context.Context, product domain.Product) error

	Ping(ctx context.Context) error
}

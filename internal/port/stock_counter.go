package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type StockCounter interface {
	// Reserve atomically takes quantity from the product's available stock and
	// records jobID as pending. ok is false, with stock untouched, if the
	// result would go negative or the product has no counter entry.
	Reserve(ctx context.Context, productID, jobID string, quantity int) (remaining int64, ok bool, err error)
	// Credit returns quantity to the product if jobID is still pending.
	// It reports whether a credit actually happened, so repeats are no-ops.
	Credit(ctx context.Context, productID, jobID string, quantity int) (bool, error)
	// Resync drops the settled job IDs from the pending set and recomputes
	// available stock as authoritative minus what is still pending. An
	// authoritative value older than the one already recorded (lower version)
	// is ignored in favour of the recorded one.
	Resync(ctx context.Context, productID string, authoritative, version int64, settled ...string) (int64, error)
	// Pending returns the in-flight reservations of a product by job ID.
	Pending(ctx context.Context, productID string) (map[string]domain.PendingReservation, error)
	// Stocks reads available stock for many products; missing entries are omitted.
	Stocks(ctx context.Context, productIDs []string) (map[string]int64, error)
	Ping(ctx context.Context) error
}

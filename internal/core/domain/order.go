package domain

import "time"

type OrderStatus string

// Existence of an order row means it was persisted; there is no other state.
const OrderStatusCompleted OrderStatus = "completed"

type Order struct {
	ID        string      `json:"id"`
	JobID     string      `json:"jobId"`
	ProductID string      `json:"productId"`
	Quantity  int         `json:"quantity"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// CommitResult is what the durable store reports after persisting a job.
type CommitResult struct {
	Order     Order
	Stock     int64 // authoritative stock after the transaction
	Version   int64 // product version that Stock belongs to
	Duplicate bool  // the job had already been committed earlier
}

// Reservation is the outcome of a fast-path reserve call.
type Reservation struct {
	Accepted  bool
	Remaining int64
	Reason    string
	JobID     string
}

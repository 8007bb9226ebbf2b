package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	Name      string
	Stock     int64 // authoritative, owned by the durable store
	Version   int64 // bumped on every stock change
	Price     decimal.NullDecimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InventoryItem is a catalog row joined with the fast counter value.
type InventoryItem struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Price              decimal.NullDecimal `json:"price"`
	Stock              int64               `json:"stock"`
	AuthoritativeStock int64               `json:"authoritativeStock"`
}

// PendingReservation is a reservation the fast counter has taken that no
// commit or credit has settled yet.
type PendingReservation struct {
	Quantity   int64
	ReservedAt time.Time // zero for entries written without a timestamp
}

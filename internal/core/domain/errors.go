package domain

import "errors"

// Errors reported by the durable store that the worker routes on.
var (
	ErrProductNotFound = errors.New("product not found")
	ErrStockExhausted  = errors.New("stock exhausted in durable store")
)

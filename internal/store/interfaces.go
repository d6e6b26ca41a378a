package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// RequestStore returns the zap request payload stored for an invoice
// when the invoice was created.
type RequestStore interface {
	Get(ctx context.Context, invoiceID string) ([]byte, error)
}

package syncstate

import (
	"context"
	"errors"
)

// ErrNotFound is returned by RowStore.Get when the id has no row.
var ErrNotFound = errors.New("row not found")

// ErrExists is returned by RowStore.Insert when the id is already taken,
// typically because another client won the create race.
var ErrExists = errors.New("row already exists")

// RowStore is the durable side of the sync engine. Every call is
// independent; the engine never asks for transactions across calls.
// Implementations live in the rowstore package.
type RowStore interface {
	// Get fetches the row by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Row, error)
	// Insert creates the row and returns it with store-assigned fields
	// (CreatedAt) filled in, or ErrExists.
	Insert(ctx context.Context, row *Row) (*Row, error)
	// Update writes a partial patch to the row's mutable fields.
	Update(ctx context.Context, id int64, fields Update) error
}

package twophase

import (
	"context"
	"errors"
	"time"

	"github.com/grafana/txnproducer/pkg/txn"
)

// ErrNotFound is returned by a Store when no pending transaction exists for a
// transactional ID.
var ErrNotFound = errors.New("pending transaction not found")

// Pending is the durable record of a prepared transaction. It holds every
// field needed to resume the transaction from another process.
type Pending struct {
	TransactionalID string    `json:"transactional_id"`
	ProducerID      int64     `json:"producer_id"`
	Epoch           int16     `json:"epoch"`
	CoordinatorID   int32     `json:"coordinator_id"`
	Marker          string    `json:"marker"`
	PreparedAt      time.Time `json:"prepared_at"`
}

func (p Pending) Identity() txn.Identity {
	return txn.Identity{TransactionalID: p.TransactionalID, ProducerID: p.ProducerID, Epoch: p.Epoch}
}

// Store persists pending transactions, keyed by transactional ID. T is the
// handle of the store's local transaction, passed to the caller's business
// work so that it commits or rolls back together with the pending record.
type Store[T any] interface {
	// Prepare writes the pending record and runs work in the same local
	// transaction. Neither is persisted if work fails.
	Prepare(ctx context.Context, pending Pending, work func(T) error) error

	// Update runs work in a local transaction without a pending record.
	Update(ctx context.Context, work func(T) error) error

	// List returns every pending transaction, oldest first.
	List(ctx context.Context) ([]Pending, error)

	// Get returns the pending transaction of a transactional ID, or
	// ErrNotFound.
	Get(ctx context.Context, transactionalID string) (Pending, error)

	// Delete removes the pending transaction of a transactional ID. Deleting
	// a missing record is not an error.
	Delete(ctx context.Context, transactionalID string) error
}

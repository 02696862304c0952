// Package store defines the persistence contract used by the scan queue and
// the helpers shared by its drivers.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get and Update when no record has the given id.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned by Insert when a record with the same id exists.
	ErrDuplicate = errors.New("store: duplicate record id")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
)

// Record is one persisted queue entry. Payload is opaque to the store.
type Record struct {
	ID         string `json:"id"`
	BatchID    string `json:"batch_id"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"` // unix milliseconds
	RetryCount int    `json:"retry_count"`
}

// Store is a durable key-value store of records keyed by id with a secondary
// lookup on batch id. List and ListByBatch return records in enqueue order.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	ListByBatch(ctx context.Context, batchID string) ([]Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

package scanqueue

import (
	"errors"
	"fmt"
)

// ErrEmptyBatchID is returned by Enqueue when no batch id is given.
var ErrEmptyBatchID = errors.New("scanqueue: empty batch id")

// StorageError reports a failure of the persistence substrate while running
// Op. It wraps the driver error, so errors.Is(err, store.ErrClosed) works.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("scanqueue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

package store

import (
	"context"
	"sync"
)

// OpenFunc opens a concrete driver.
type OpenFunc func(ctx context.Context) (Store, error)

// LazyStore opens its driver on first use and reuses it afterwards.
// A failed open is not cached; the next call tries again.
type LazyStore struct {
	open   OpenFunc
	mu     sync.Mutex
	st     Store
	closed bool
}

// Lazy wraps open in a LazyStore.
func Lazy(open OpenFunc) *LazyStore {
	return &LazyStore{open: open}
}

func (l *LazyStore) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.st != nil {
		return l.st, nil
	}
	st, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.st = st
	return st, nil
}

func (l *LazyStore) Insert(ctx context.Context, rec Record) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	return st.Insert(ctx, rec)
}

func (l *LazyStore) Get(ctx context.Context, id string) (Record, error) {
	st, err := l.get(ctx)
	if err != nil {
		return Record{}, err
	}
	return st.Get(ctx, id)
}

func (l *LazyStore) List(ctx context.Context) ([]Record, error) {
	st, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return st.List(ctx)
}

func (l *LazyStore) ListByBatch(ctx context.Context, batchID string) ([]Record, error) {
	st, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListByBatch(ctx, batchID)
}

func (l *LazyStore) Update(ctx context.Context, rec Record) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	return st.Update(ctx, rec)
}

func (l *LazyStore) Delete(ctx context.Context, id string) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	return st.Delete(ctx, id)
}

func (l *LazyStore) DeleteAll(ctx context.Context) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	return st.DeleteAll(ctx)
}

// Ping opens the driver if needed and pings it when it supports Pinger.
func (l *LazyStore) Ping(ctx context.Context) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	if p, ok := st.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the underlying driver if it was ever opened.
func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.st == nil {
		return nil
	}
	return l.st.Close()
}

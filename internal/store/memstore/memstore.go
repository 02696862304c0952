// Package memstore is an in-process store.Store. It does not survive a
// restart and is meant for tests and throwaway runs.
package memstore

import (
	"context"
	"sync"

	"github.com/cofretracker/cofre_tracker/internal/store"
)

type Store struct {
	mu     sync.RWMutex
	items  map[string]store.Record
	order  []string
	closed bool
}

func New() *Store {
	return &Store{items: make(map[string]store.Record)}
}

func (s *Store) Insert(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.items[rec.ID]; ok {
		return store.ErrDuplicate
	}
	s.items[rec.ID] = clone(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Record{}, store.ErrClosed
	}
	rec, ok := s.items[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) List(_ context.Context) ([]store.Record, error) {
	return s.filter(func(store.Record) bool { return true })
}

func (s *Store) ListByBatch(_ context.Context, batchID string) ([]store.Record, error) {
	return s.filter(func(rec store.Record) bool { return rec.BatchID == batchID })
}

func (s *Store) filter(keep func(store.Record) bool) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	out := make([]store.Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.items[id]
		if keep(rec) {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.items[rec.ID]; !ok {
		return store.ErrNotFound
	}
	s.items[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.items[id]; !ok {
		return nil
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	s.items = make(map[string]store.Record)
	s.order = nil
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// clone copies the payload so callers cannot mutate stored bytes.
func clone(rec store.Record) store.Record {
	if rec.Payload != nil {
		p := make([]byte, len(rec.Payload))
		copy(p, rec.Payload)
		rec.Payload = p
	}
	return rec
}

package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/cofretracker/cofre_tracker/internal/store"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, r := range []store.Record{
		{ID: "a", BatchID: "A", Payload: []byte("1")},
		{ID: "b", BatchID: "B", Payload: []byte("2")},
		{ID: "c", BatchID: "A", Payload: []byte("3")},
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert(%s) error: %v", r.ID, err)
		}
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{
			name: "duplicate insert",
			run:  func() error { return s.Insert(ctx, store.Record{ID: "a"}) },
			want: store.ErrDuplicate,
		},
		{
			name: "get missing",
			run:  func() error { _, err := s.Get(ctx, "zzz"); return err },
			want: store.ErrNotFound,
		},
		{
			name: "update missing",
			run:  func() error { return s.Update(ctx, store.Record{ID: "zzz"}) },
			want: store.ErrNotFound,
		},
		{
			name: "delete missing is a no-op",
			run:  func() error { return s.Delete(ctx, "zzz") },
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	all, _ := s.List(ctx)
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("List() = %+v, want a,b,c in insertion order", all)
	}

	inA, _ := s.ListByBatch(ctx, "A")
	if len(inA) != 2 {
		t.Errorf("ListByBatch(A) len = %d, want 2", len(inA))
	}

	// Mutating a returned payload must not leak into the store.
	all[0].Payload[0] = 'x'
	got, _ := s.Get(ctx, "a")
	if string(got.Payload) != "1" {
		t.Errorf("stored payload = %q, want %q", got.Payload, "1")
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	all, _ = s.List(ctx)
	if len(all) != 2 || all[1].ID != "c" {
		t.Errorf("List() after delete = %+v", all)
	}

	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error: %v", err)
	}
	if all, _ := s.List(ctx); len(all) != 0 {
		t.Errorf("List() after DeleteAll len = %d, want 0", len(all))
	}

	_ = s.Close()
	if err := s.Insert(ctx, store.Record{ID: "d"}); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Insert() after Close error = %v, want %v", err, store.ErrClosed)
	}
}

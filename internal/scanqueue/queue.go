// Package scanqueue implements the durable offline queue that holds audit
// scans until they are delivered to the platform.
//
// Delivery is at-least-once: a crash between a successful delivery and the
// local removal redelivers the item on the next Sync. Deliver functions must
// be idempotent, or the payload must carry a key the receiver dedupes on.
package scanqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cofretracker/cofre_tracker/internal/metrics"
	"github.com/cofretracker/cofre_tracker/internal/store"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

// Item is one pending unit of work.
type Item[T any] struct {
	ID         string `json:"id"`
	BatchID    string `json:"batch_id"`
	Payload    T      `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
	RetryCount int    `json:"retry_count"`
}

// DeliverFunc attempts to hand one payload to the remote system. A nil
// return means the remote side accepted it.
type DeliverFunc[T any] func(ctx context.Context, payload T) error

// DropFunc is called with an item that was removed after exhausting its
// retries, together with the error of its last attempt.
type DropFunc[T any] func(ctx context.Context, item Item[T], lastErr error)

// Result summarizes one Sync run. Failed includes Dropped. Skipped is set
// when another run was already in progress.
type Result struct {
	Success int  `json:"success"`
	Failed  int  `json:"failed"`
	Dropped int  `json:"dropped"`
	Total   int  `json:"total"`
	Skipped bool `json:"skipped,omitempty"`
}

// Queue is safe for concurrent use. Only Sync is mutually excluded; the
// other operations rely on the store's own atomicity.
type Queue[T any] struct {
	st       store.Store
	opts     options
	onDrop   DropFunc[T]
	inFlight atomic.Bool
}

// New returns a queue backed by st. It panics if WithOnDrop was given a hook
// for a different payload type.
func New[T any](st store.Store, opts ...Option) *Queue[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	q := &Queue[T]{st: st, opts: o}
	if o.onDrop != nil {
		fn, ok := o.onDrop.(DropFunc[T])
		if !ok {
			panic(fmt.Sprintf("scanqueue: drop hook type %T does not match queue payload", o.onDrop))
		}
		q.onDrop = fn
	}
	return q
}

// MaxRetries reports the configured retry ceiling.
func (q *Queue[T]) MaxRetries() int { return q.opts.maxRetries }

// Syncing reports whether a Sync run is in progress.
func (q *Queue[T]) Syncing() bool { return q.inFlight.Load() }

// Enqueue persists payload under batchID and returns the new item id once
// the write is durable.
func (q *Queue[T]) Enqueue(ctx context.Context, batchID string, payload T) (string, error) {
	if batchID == "" {
		return "", ErrEmptyBatchID
	}

	id, err := q.opts.newID()
	if err != nil {
		return "", fmt.Errorf("scanqueue: generate id: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("scanqueue: encode payload: %w", err)
	}

	rec := store.Record{
		ID:         id,
		BatchID:    batchID,
		Payload:    data,
		EnqueuedAt: q.opts.now().UnixMilli(),
	}
	if err := q.st.Insert(ctx, rec); err != nil {
		return "", storageErr("enqueue", err)
	}

	metrics.RecordEnqueued()
	q.opts.logger.WithContext(ctx).WithBatch(batchID).WithItem(id).Debug("Item enqueued")
	return id, nil
}

// Dequeue removes the item with the given id. Removing an absent id is not
// an error.
func (q *Queue[T]) Dequeue(ctx context.Context, id string) error {
	return storageErr("dequeue", q.st.Delete(ctx, id))
}

// Pending returns every persisted item in enqueue order.
func (q *Queue[T]) Pending(ctx context.Context) ([]Item[T], error) {
	recs, err := q.st.List(ctx)
	if err != nil {
		return nil, storageErr("pending", err)
	}
	return q.decodeAll("pending", recs)
}

// PendingByBatch returns the items of one batch in enqueue order.
func (q *Queue[T]) PendingByBatch(ctx context.Context, batchID string) ([]Item[T], error) {
	recs, err := q.st.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, storageErr("pending by batch", err)
	}
	return q.decodeAll("pending by batch", recs)
}

// PendingCount is len(Pending).
func (q *Queue[T]) PendingCount(ctx context.Context) (int, error) {
	recs, err := q.st.List(ctx)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return len(recs), nil
}

// Clear deletes every item regardless of batch.
func (q *Queue[T]) Clear(ctx context.Context) error {
	if err := q.st.DeleteAll(ctx); err != nil {
		return storageErr("clear", err)
	}
	q.opts.logger.WithContext(ctx).Info("Queue cleared")
	return nil
}

// Sync attempts delivery of every item pending when the run starts, one at
// a time. Failed items have their retry count bumped, or are dropped once
// it has reached the ceiling. Sync never returns an error: storage failures
// during the run are logged and a failed snapshot yields an empty Result.
//
// If ctx is cancelled the run stops before the next item. Items not yet
// attempted count only towards Total, as does an item whose delivery failed
// because of the cancellation. Store writes that follow a delivery are not
// cancelled with ctx.
func (q *Queue[T]) Sync(ctx context.Context, deliver DeliverFunc[T]) Result {
	if !q.inFlight.CompareAndSwap(false, true) {
		metrics.RecordSyncRun("skipped", 0)
		return Result{Skipped: true}
	}
	defer q.inFlight.Store(false)

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "scanqueue.sync")
	defer span.End()
	log := q.opts.logger.WithContext(ctx)

	recs, err := q.st.List(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("Failed to snapshot pending items")
		metrics.RecordSyncRun("snapshot_failed", time.Since(start))
		return Result{}
	}

	res := Result{Total: len(recs)}
	for _, rec := range recs {
		if ctx.Err() != nil {
			log.WithField("remaining", res.Total-res.Success-res.Failed).
				Warn("Sync cancelled before completing the snapshot")
			break
		}
		if !q.syncOne(ctx, rec, deliver, &res) {
			log.WithItem(rec.ID).Warn("Sync cancelled during delivery, item left untouched")
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sync.total", res.Total),
		attribute.Int("sync.success", res.Success),
		attribute.Int("sync.failed", res.Failed),
		attribute.Int("sync.dropped", res.Dropped),
	)
	metrics.RecordSyncRun("completed", time.Since(start))
	if res.Total > 0 {
		log.WithFields(map[string]any{
			"success": res.Success,
			"failed":  res.Failed,
			"dropped": res.Dropped,
			"total":   res.Total,
		}).Info("Sync run finished")
	}
	return res
}

// syncOne attempts one item and reports false when the attempt was cut
// short by ctx, in which case nothing is counted or persisted.
func (q *Queue[T]) syncOne(ctx context.Context, rec store.Record, deliver DeliverFunc[T], res *Result) bool {
	log := q.opts.logger.WithContext(ctx).WithBatch(rec.BatchID).WithItem(rec.ID)
	wctx := context.WithoutCancel(ctx)

	item, err := q.decode(rec)
	if err == nil {
		err = safeDeliver(ctx, deliver, item.Payload)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return false
		}
	} else {
		log.WithError(err).Error("Undecodable item counted as a failed attempt")
	}

	if err == nil {
		if derr := q.st.Delete(wctx, rec.ID); derr != nil {
			log.WithError(derr).Error("Delivered item could not be removed and will be redelivered")
			return true
		}
		res.Success++
		metrics.RecordItem("delivered")
		tracing.AddSpanEvent(ctx, "item.delivered", attribute.String("item_id", rec.ID))
		return true
	}

	res.Failed++
	reason := q.opts.classify(err)
	metrics.RecordDeliveryFailure(reason)

	if rec.RetryCount >= q.opts.maxRetries {
		if derr := q.st.Delete(wctx, rec.ID); derr != nil {
			log.WithError(derr).Error("Failed to drop item past retry ceiling")
			return true
		}
		res.Dropped++
		metrics.RecordItem("dropped")
		tracing.AddSpanEvent(ctx, "item.dropped",
			attribute.String("item_id", rec.ID),
			attribute.String("reason", reason),
		)
		log.WithError(err).
			WithField("reason", reason).
			WithField("attempts", rec.RetryCount+1).
			Warn("Item dropped after exhausting retries")
		q.notifyDrop(wctx, item, err)
		return true
	}

	rec.RetryCount++
	if uerr := q.st.Update(wctx, rec); uerr != nil {
		log.WithError(uerr).Error("Failed to persist retry count")
		return true
	}
	metrics.RecordItem("retried")
	log.WithError(err).
		WithField("reason", reason).
		WithField("retry_count", rec.RetryCount).
		Info("Delivery failed, item kept for retry")
	return true
}

// notifyDrop runs the drop hook. A panicking hook is logged and swallowed;
// the item is already gone.
func (q *Queue[T]) notifyDrop(ctx context.Context, item Item[T], err error) {
	if q.onDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.opts.logger.WithContext(ctx).WithItem(item.ID).
				WithField("panic", fmt.Sprint(r)).
				Error("Drop hook panicked")
		}
	}()
	q.onDrop(ctx, item, err)
}

// safeDeliver turns a panicking deliver into a failed attempt.
func safeDeliver[T any](ctx context.Context, deliver DeliverFunc[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanqueue: deliver panicked: %v", r)
		}
	}()
	return deliver(ctx, payload)
}

func (q *Queue[T]) decode(rec store.Record) (Item[T], error) {
	item := Item[T]{
		ID:         rec.ID,
		BatchID:    rec.BatchID,
		EnqueuedAt: rec.EnqueuedAt,
		RetryCount: rec.RetryCount,
	}
	if err := json.Unmarshal(rec.Payload, &item.Payload); err != nil {
		return item, fmt.Errorf("decode item %s: %w", rec.ID, err)
	}
	return item, nil
}

func (q *Queue[T]) decodeAll(op string, recs []store.Record) ([]Item[T], error) {
	items := make([]Item[T], 0, len(recs))
	for _, rec := range recs {
		item, err := q.decode(rec)
		if err != nil {
			return nil, storageErr(op, err)
		}
		items = append(items, item)
	}
	return items, nil
}

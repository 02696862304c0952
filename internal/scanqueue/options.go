package scanqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/cofretracker/cofre_tracker/internal/logging"
)

// DefaultMaxRetries is the number of failed attempts an item survives. An
// item is dropped on the failure after its MaxRetries-th retry, so it sees
// MaxRetries+1 delivery attempts in total.
const DefaultMaxRetries = 3

type options struct {
	maxRetries int
	onDrop     any
	logger     *logging.Logger
	now        func() time.Time
	newID      func() (string, error)
	classify   func(error) string
}

func defaultOptions() options {
	return options{
		maxRetries: DefaultMaxRetries,
		logger:     logging.Default(),
		now:        time.Now,
		newID:      newUUIDv7,
		classify:   func(error) string { return "other" },
	}
}

// Option configures a Queue.
type Option func(*options)

// WithMaxRetries sets the retry ceiling. Negative values are treated as 0,
// which drops an item on its first failed delivery.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

// WithOnDrop registers a hook called after an item is permanently removed
// for exceeding the retry ceiling. The payload type must match the queue's.
func WithOnDrop[T any](fn DropFunc[T]) Option {
	return func(o *options) { o.onDrop = fn }
}

// WithLogger sets the logger used for sync runs and queue maintenance. A nil
// logger keeps the package default.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDFunc overrides item id generation.
func WithIDFunc(fn func() (string, error)) Option {
	return func(o *options) { o.newID = fn }
}

// WithClassifier maps a delivery error to the reason label used in failure
// metrics and logs.
func WithClassifier(fn func(error) string) Option {
	return func(o *options) {
		if fn != nil {
			o.classify = fn
		}
	}
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

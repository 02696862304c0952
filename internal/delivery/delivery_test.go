package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/store/memstore"
)

type published struct {
	topic string
	body  []byte
}

// fakePublisher records publishes and optionally fails them.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, body: append([]byte(nil), body...)})
	return nil
}

func quietLogger() *logging.Logger {
	l := logging.New("delivery-test")
	l.SetOutput(io.Discard)
	return l
}

func testScan() audit.Scan {
	return audit.Scan{
		AuditID:        "audit-1",
		IMEI:           "356938035643809",
		Result:         audit.ResultFound,
		ScannedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		IdempotencyKey: "key-1",
	}
}

func TestNewDeadLetter(t *testing.T) {
	item := scanqueue.Item[audit.Scan]{
		ID:         "item-1",
		BatchID:    "audit-1",
		Payload:    testScan(),
		EnqueuedAt: 1_700_000_000_000,
		RetryCount: 3,
	}

	tests := []struct {
		name       string
		lastErr    error
		wantReason string
		wantErr    string
	}{
		{name: "server error", lastErr: &HTTPError{StatusCode: 503}, wantReason: "http_5xx", wantErr: "platform returned status 503"},
		{name: "timeout", lastErr: context.DeadlineExceeded, wantReason: "timeout", wantErr: "context deadline exceeded"},
		{name: "nil error", lastErr: nil, wantReason: "other", wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			dl := NewDeadLetter(item, "loja-1", tt.lastErr)
			after := time.Now()

			if dl.Type != DLQType || dl.Version != "v1" {
				t.Errorf("NewDeadLetter() type/version = %q/%q", dl.Type, dl.Version)
			}
			if dl.Reason != tt.wantReason {
				t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, tt.wantReason)
			}
			if dl.LastError != tt.wantErr {
				t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, tt.wantErr)
			}
			if dl.Attempts != 4 {
				t.Errorf("NewDeadLetter() Attempts = %d, want 4", dl.Attempts)
			}
			if dl.ItemID != "item-1" || dl.BatchID != "audit-1" || dl.Station != "loja-1" {
				t.Errorf("NewDeadLetter() ids = %+v", dl)
			}
			if dl.Scan.IdempotencyKey != "key-1" {
				t.Errorf("NewDeadLetter() Scan = %+v", dl.Scan)
			}

			parsedTime, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Fatalf("NewDeadLetter() At timestamp parse error: %v", err)
			}
			if parsedTime.Before(before.Add(-time.Second)) || parsedTime.After(after.Add(time.Second)) {
				t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsedTime, before, after)
			}
		})
	}
}

func TestDLQPublisher_OnDrop(t *testing.T) {
	item := scanqueue.Item[audit.Scan]{ID: "item-9", BatchID: "audit-9", Payload: testScan(), RetryCount: 3}

	t.Run("publishes dead letter", func(t *testing.T) {
		pub := &fakePublisher{}
		p := NewDLQPublisher(pub, "", "loja-1", quietLogger())
		p.OnDrop(context.Background(), item, errors.New("connection refused"))

		if len(pub.msgs) != 1 {
			t.Fatalf("published %d messages, want 1", len(pub.msgs))
		}
		if pub.msgs[0].topic != DLQTopic {
			t.Errorf("topic = %q, want %q", pub.msgs[0].topic, DLQTopic)
		}
		var dl DeadLetter
		if err := json.Unmarshal(pub.msgs[0].body, &dl); err != nil {
			t.Fatalf("dead letter is not JSON: %v", err)
		}
		if dl.ItemID != "item-9" || dl.Reason != "connection_refused" {
			t.Errorf("dead letter = %+v", dl)
		}
	})

	t.Run("publish failure is swallowed", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("nsqd down")}
		p := NewDLQPublisher(pub, "custom_dlq", "", quietLogger())
		p.OnDrop(context.Background(), item, errors.New("x"))
		if len(pub.msgs) != 0 {
			t.Error("failed publish recorded a message")
		}
	})
}

func TestDLQPublisher_WiredAsDropHook(t *testing.T) {
	pub := &fakePublisher{}
	dlq := NewDLQPublisher(pub, DLQTopic, "loja-1", quietLogger())
	q := scanqueue.New[audit.Scan](memstore.New(),
		scanqueue.WithLogger(quietLogger()),
		scanqueue.WithMaxRetries(0),
		scanqueue.WithClassifier(ClassifyReason),
		scanqueue.WithOnDrop(scanqueue.DropFunc[audit.Scan](dlq.OnDrop)),
	)

	if _, err := q.Enqueue(context.Background(), "audit-1", testScan()); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	res := q.Sync(context.Background(), func(context.Context, audit.Scan) error {
		return &HTTPError{StatusCode: 500}
	})
	if res.Dropped != 1 {
		t.Fatalf("Sync() = %+v, want one dropped", res)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("DLQ received %d messages, want 1", len(pub.msgs))
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(context.Background(), "loja-1", testScan())
	if env.Type != ScanType || env.Version != "v1" || env.Station != "loja-1" {
		t.Errorf("NewEnvelope() = %+v", env)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.PublishedAt); err != nil {
		t.Errorf("PublishedAt parse error: %v", err)
	}
	if env.TraceHeaders != nil {
		t.Errorf("TraceHeaders without a span = %v, want nil", env.TraceHeaders)
	}
}

package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/metrics"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

const (
	DLQType  = "scan.dlq"
	DLQTopic = "scans_dlq"
)

// DeadLetter describes a scan the queue gave up on.
type DeadLetter struct {
	Type       string     `json:"type"`    // "scan.dlq"
	Version    string     `json:"version"` // schema version
	At         string     `json:"at"`      // RFC3339 time the item was dropped
	Station    string     `json:"station,omitempty"`
	Reason     string     `json:"reason"`   // ClassifyReason label
	Attempts   int        `json:"attempts"` // delivery attempts made
	LastError  string     `json:"last_error,omitempty"`
	ItemID     string     `json:"item_id"`
	BatchID    string     `json:"batch_id"`
	EnqueuedAt int64      `json:"enqueued_at"`
	Scan       audit.Scan `json:"scan"`

	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(item scanqueue.Item[audit.Scan], station string, lastErr error) DeadLetter {
	dl := DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Station:    station,
		Reason:     ClassifyReason(lastErr),
		Attempts:   item.RetryCount + 1,
		ItemID:     item.ID,
		BatchID:    item.BatchID,
		EnqueuedAt: item.EnqueuedAt,
		Scan:       item.Payload,
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}
	return dl
}

// DLQPublisher forwards dropped items to an NSQ topic so an operator can
// reconcile them by hand.
type DLQPublisher struct {
	pub     Publisher
	topic   string
	station string
	logger  *logging.Logger
}

func NewDLQPublisher(pub Publisher, topic, station string, logger *logging.Logger) *DLQPublisher {
	if topic == "" {
		topic = DLQTopic
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DLQPublisher{pub: pub, topic: topic, station: station, logger: logger}
}

// OnDrop matches scanqueue.DropFunc. Publish failures are logged; the item
// is already gone from the queue.
func (p *DLQPublisher) OnDrop(ctx context.Context, item scanqueue.Item[audit.Scan], lastErr error) {
	log := p.logger.WithContext(ctx).WithBatch(item.BatchID).WithItem(item.ID)

	dl := NewDeadLetter(item, p.station, lastErr)
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	body, err := json.Marshal(dl)
	if err != nil {
		log.WithError(err).Error("Failed to encode dead letter")
		metrics.RecordDLQ("publish_failed")
		return
	}
	if err := p.pub.Publish(p.topic, body); err != nil {
		log.WithError(err).WithField("topic", p.topic).Error("Failed to publish dead letter")
		metrics.RecordDLQ("publish_failed")
		return
	}
	metrics.RecordDLQ("published")
	log.WithField("topic", p.topic).Warn("Dropped scan published to DLQ")
}

package delivery

import (
	"context"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

const ScanType = "scan.recorded"

// Envelope is the message published to NSQ and Kafka for one scan.
type Envelope struct {
	Type         string            `json:"type"`    // "scan.recorded"
	Version      string            `json:"version"` // schema version
	Station      string            `json:"station,omitempty"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	Scan         audit.Scan        `json:"scan"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func NewEnvelope(ctx context.Context, station string, s audit.Scan) Envelope {
	headers := tracing.InjectHeaders(ctx)
	if len(headers) == 0 {
		headers = nil
	}
	return Envelope{
		Type:         ScanType,
		Version:      "v1",
		Station:      station,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Scan:         s,
		TraceHeaders: headers,
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/delivery"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
)

func newTestMonitor(t *testing.T) *monitor {
	t.Helper()
	l := logging.New("dlq-monitor-test")
	l.SetOutput(io.Discard)
	return newMonitor("scans_dlq", prometheus.NewRegistry(), l)
}

func deadLetterBody(t *testing.T, lastErr error) []byte {
	t.Helper()
	item := scanqueue.Item[audit.Scan]{
		ID:         "item-1",
		BatchID:    "audit-1",
		Payload:    audit.NewScan("audit-1", "356938035643809", audit.ResultFound),
		RetryCount: 3,
	}
	b, err := json.Marshal(delivery.NewDeadLetter(item, "loja-1", lastErr))
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	return b
}

func TestHandle(t *testing.T) {
	m := newTestMonitor(t)

	bodies := [][]byte{
		deadLetterBody(t, &delivery.HTTPError{StatusCode: 503}),
		deadLetterBody(t, &delivery.HTTPError{StatusCode: 502}),
		deadLetterBody(t, errors.New("dial tcp: connection refused")),
		[]byte("not-json"),
		[]byte(`{"type":"scan.recorded"}`),
	}
	for _, b := range bodies {
		if err := m.handle(b); err != nil {
			t.Fatalf("handle(%s) error: %v", b, err)
		}
	}

	if got := testutil.ToFloat64(m.received.WithLabelValues("http_5xx")); got != 2 {
		t.Errorf("received{http_5xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.received.WithLabelValues("connection_refused")); got != 1 {
		t.Errorf("received{connection_refused} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.malformed); got != 2 {
		t.Errorf("malformed = %v, want 2", got)
	}
}

type capturePublisher struct{ body []byte }

func (c *capturePublisher) Publish(_ string, body []byte) error {
	c.body = body
	return nil
}

// TestHandle_KeepsTraceFromDropper checks that a dead letter published by
// syncd is logged under the trace of the sync run that dropped it.
func TestHandle_KeepsTraceFromDropper(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := oteltrace.ContextWithRemoteSpanContext(context.Background(), oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	quiet := logging.New("syncd-test")
	quiet.SetOutput(io.Discard)
	pub := &capturePublisher{}
	item := scanqueue.Item[audit.Scan]{ID: "item-9", BatchID: "audit-9", Payload: audit.NewScan("audit-9", "111", audit.ResultFound)}
	delivery.NewDLQPublisher(pub, "", "loja-1", quiet).OnDrop(ctx, item, errors.New("boom"))
	if pub.body == nil {
		t.Fatal("dead letter was not published")
	}

	var out bytes.Buffer
	l := logging.New("dlq-monitor-test")
	l.SetOutput(&out)
	m := newMonitor("scans_dlq", prometheus.NewRegistry(), l)
	if err := m.handle(pub.body); err != nil {
		t.Fatalf("handle() error: %v", err)
	}
	if !strings.Contains(out.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`) {
		t.Errorf("log line missing trace id: %s", out.String())
	}
}

func TestUpdateDepth(t *testing.T) {
	testCases := []struct {
		name      string
		payload   string
		wantErr   bool
		wantTopic float64
		wantChan  map[string]float64
	}{
		{
			name: "dlq topic updates metrics",
			payload: `{"topics":[
				{"topic_name":"scans_dlq","depth":7,"channels":[
					{"channel_name":"dlq_monitor","depth":3,"in_flight_count":1},
					{"channel_name":"archive","depth":4,"in_flight_count":0}]},
				{"topic_name":"scans","depth":99,"channels":[{"channel_name":"platform","depth":99}]}
			]}`,
			wantTopic: 7,
			wantChan:  map[string]float64{"dlq_monitor": 3, "archive": 4},
		},
		{
			name:      "other topics are ignored",
			payload:   `{"topics":[{"topic_name":"scans","depth":5,"channels":[]}]}`,
			wantTopic: 0,
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			err := m.updateDepth(strings.TrimPrefix(server.URL, "http://"))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("updateDepth returned error: %v", err)
			}
			if got := testutil.ToFloat64(m.topicDepth); got != tc.wantTopic {
				t.Errorf("topicDepth = %v, want %v", got, tc.wantTopic)
			}
			for ch, want := range tc.wantChan {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(ch)); got != want {
					t.Errorf("channelDepth[%s] = %v, want %v", ch, got, want)
				}
			}
		})
	}
}

func TestUpdateDepth_Unreachable(t *testing.T) {
	if err := newTestMonitor(t).updateDepth("127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unreachable nsqd")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("DLQ_MONITOR_TEST_ENV", "custom")
	t.Setenv("DLQ_MONITOR_TEST_EMPTY", "")
	if got := getEnv("DLQ_MONITOR_TEST_ENV", "default"); got != "custom" {
		t.Errorf("getEnv(set) = %q", got)
	}
	if got := getEnv("DLQ_MONITOR_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("getEnv(empty) = %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  int
	}{
		{name: "parses valid integer", value: "42", want: 42},
		{name: "returns default on invalid integer", value: "not-an-int", want: 15},
		{name: "returns default when empty", value: "", want: 15},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DLQ_MONITOR_TEST_INT", tc.value)
			if got := getEnvInt("DLQ_MONITOR_TEST_INT", 15); got != tc.want {
				t.Errorf("getEnvInt() = %d, want %d", got, tc.want)
			}
		})
	}
}

package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

// Publisher is the subset of *nsq.Producer used here.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQDeliverer publishes each scan as an Envelope on an NSQ topic. nsqd
// acknowledges the publish, so a nil error means the message is durable on
// the broker.
type NSQDeliverer struct {
	pub     Publisher
	topic   string
	station string
}

func NewNSQDeliverer(pub Publisher, topic, station string) *NSQDeliverer {
	return &NSQDeliverer{pub: pub, topic: topic, station: station}
}

func (d *NSQDeliverer) Deliver(ctx context.Context, s audit.Scan) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.nsq")
	defer span.End()

	body, err := json.Marshal(NewEnvelope(ctx, d.station, s))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish %s: %w", d.topic, err)
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDeliverer writes each scan as an Envelope keyed by audit id, so the
// scans of one audit stay ordered within a partition.
type KafkaDeliverer struct {
	w       MessageWriter
	station string
}

func NewKafkaDeliverer(w MessageWriter, station string) *KafkaDeliverer {
	return &KafkaDeliverer{w: w, station: station}
}

// NewKafkaWriter returns a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, s audit.Scan) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.kafka")
	defer span.End()

	env := NewEnvelope(ctx, d.station, s)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(s.AuditID),
		Value: body,
		Headers: []kafka.Header{
			{Key: IdempotencyHeader, Value: []byte(s.IdempotencyKey)},
		},
	}
	for k, v := range env.TraceHeaders {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := d.w.WriteMessages(ctx, msg); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

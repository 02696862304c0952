package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cofretracker/cofre_tracker/internal/config"
	"github.com/cofretracker/cofre_tracker/internal/delivery"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

// NSQStats is the subset of nsqd's /stats response the monitor reads.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	topic  string
	logger *logging.Logger
	client *http.Client

	received     *prometheus.CounterVec
	malformed    prometheus.Counter
	topicDepth   prometheus.Gauge
	channelDepth *prometheus.GaugeVec
}

func newMonitor(topic string, reg prometheus.Registerer, logger *logging.Logger) *monitor {
	m := &monitor{
		topic:  topic,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cofre_dlq_received_total",
			Help: "Dead-lettered scans received, by failure reason",
		}, []string{"reason"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cofre_dlq_malformed_total",
			Help: "DLQ messages that could not be decoded",
		}),
		topicDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cofre_dlq_depth",
			Help: "Messages waiting in the DLQ topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cofre_dlq_channel_depth",
			Help: "Depth of DLQ channels by channel",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.received, m.malformed, m.topicDepth, m.channelDepth)
	return m
}

// HandleMessage logs one dead letter. Malformed bodies are finished rather
// than requeued.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	return m.handle(msg.Body)
}

func (m *monitor) handle(body []byte) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil || dl.Type != delivery.DLQType {
		m.malformed.Inc()
		m.logger.Plain().WithError(err).WithField("body", string(body)).Warn("Malformed DLQ message")
		return nil
	}

	m.received.WithLabelValues(dl.Reason).Inc()
	ctx := tracing.ExtractHeaders(context.Background(), dl.TraceHeaders)
	m.logger.WithContext(ctx).WithBatch(dl.BatchID).WithItem(dl.ItemID).WithFields(map[string]any{
		"station":     dl.Station,
		"reason":      dl.Reason,
		"attempts":    dl.Attempts,
		"last_error":  dl.LastError,
		"imei":        dl.Scan.IMEI,
		"scanned_at":  dl.Scan.ScannedAt,
		"enqueued_at": time.UnixMilli(dl.EnqueuedAt).UTC(),
	}).Error("Scan dropped after exhausting retries")
	return nil
}

func (m *monitor) updateDepth(nsqdHTTP string) error {
	resp, err := m.client.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTP))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		m.topicDepth.Set(float64(topic.Depth))
		for _, ch := range topic.Channels {
			m.channelDepth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
		}
	}
	return nil
}

func (m *monitor) pollDepth(ctx context.Context, nsqdHTTP string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateDepth(nsqdHTTP); err != nil {
				m.logger.Plain().WithError(err).Warn("Error updating DLQ depth")
			}
		}
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("cofre-dlq-monitor")

	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "localhost:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if shutdown, err := tracing.InitTracing(ctx, "cofre-dlq-monitor"); err != nil {
		logger.Plain().WithError(err).Warn("Tracing disabled")
	} else {
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ.DLQTopic, reg, logger)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.MonitorChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(m)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	go m.pollDepth(ctx, nsqdHTTP, time.Duration(interval)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"port":    port,
			"topic":   cfg.NSQ.DLQTopic,
			"channel": cfg.NSQ.MonitorChannel,
		}).Info("DLQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("DLQ monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	_ = srv.Shutdown(context.Background())
	logger.Plain().Info("DLQ monitor stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

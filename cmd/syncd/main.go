package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cofretracker/cofre_tracker/internal/api"
	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/auth"
	"github.com/cofretracker/cofre_tracker/internal/config"
	"github.com/cofretracker/cofre_tracker/internal/delivery"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/metrics"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/store"
	"github.com/cofretracker/cofre_tracker/internal/store/memstore"
	"github.com/cofretracker/cofre_tracker/internal/store/redisstore"
	"github.com/cofretracker/cofre_tracker/internal/store/sqlstore"
	"github.com/cofretracker/cofre_tracker/internal/syncer"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

const serviceName = "cofre-syncd"

func main() {
	logger := logging.New(serviceName)

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("syncd exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Warn("Tracing disabled")
	} else {
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	st := openStore(cfg)
	defer st.Close()

	deliver, closeDeliver, err := buildDeliverer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeliver()

	opts := []scanqueue.Option{
		scanqueue.WithMaxRetries(cfg.Queue.MaxRetries),
		scanqueue.WithLogger(logger),
		scanqueue.WithClassifier(delivery.ClassifyReason),
	}
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer for DLQ: %w", err)
		}
		defer producer.Stop()
		dlq := delivery.NewDLQPublisher(producer, cfg.NSQ.DLQTopic, cfg.StationID, logger)
		opts = append(opts, scanqueue.WithOnDrop[audit.Scan](dlq.OnDrop))
	}
	q := scanqueue.New[audit.Scan](st, opts...)

	runner, err := syncer.New(q, delivery.WithTimeout(deliver, cfg.Queue.DeliveryTimeout), syncer.Options{
		Schedule:      cfg.Sync.Schedule,
		HealthURL:     cfg.Sync.HealthURL,
		ProbeInterval: cfg.Sync.ProbeInterval,
		RetrySchedule: cfg.Sync.RetrySchedule,
		JitterPercent: cfg.Sync.JitterPercent,
		StopGrace:     cfg.Sync.StopGrace,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	validator, err := buildValidator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Queue:     q,
		Syncer:    runner,
		Pinger:    st,
		Validator: validator,
		Gatherer:  reg,
		OnEnqueue: runner.Trigger,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runner.Start(ctx)
	defer runner.Stop()

	// Drain whatever survived the last shutdown.
	runner.Trigger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"addr":        srv.Addr,
			"store":       cfg.Store.Driver,
			"transport":   cfg.Queue.Transport,
			"max_retries": q.MaxRetries(),
		}).Info("syncd HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down syncd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore returns the configured driver behind a lazy opener so syncd can
// start before the database is reachable.
func openStore(cfg config.Config) *store.LazyStore {
	return store.Lazy(func(ctx context.Context) (store.Store, error) {
		switch cfg.Store.Driver {
		case "sqlite":
			return sqlstore.OpenSQLite(ctx, cfg.Store.SQLitePath)
		case "postgres":
			return sqlstore.OpenPostgres(ctx, cfg.DSN())
		case "redis":
			return redisstore.Open(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.Store.RedisPrefix)
		case "memory":
			return memstore.New(), nil
		default:
			return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
		}
	})
}

// buildDeliverer returns the deliver function for the configured transport
// and a func releasing its resources.
func buildDeliverer(cfg config.Config, logger *logging.Logger) (scanqueue.DeliverFunc[audit.Scan], func(), error) {
	switch cfg.Queue.Transport {
	case "http":
		var tokens delivery.TokenSource
		if cfg.Backend.JWTSecret != "" {
			signer, err := auth.NewSigner(cfg.Backend.JWTSecret, serviceName, cfg.StationID, cfg.Backend.JWTRole, 0)
			if err != nil {
				return nil, nil, err
			}
			tokens = signer
		}
		d := delivery.NewHTTPDeliverer(delivery.HTTPConfig{
			BaseURL:                   cfg.Backend.URL,
			RPC:                       cfg.Backend.RPC,
			APIKey:                    cfg.Backend.APIKey,
			SigningSecret:             cfg.Backend.SigningSecret,
			Timeout:                   cfg.Backend.Timeout,
			TreatPermanentAsDelivered: cfg.Backend.TreatPermanentAsDelivered,
		}, tokens, logger)
		logger.Plain().WithField("url", d.URL()).Info("Delivering scans over HTTP")
		return d.Deliver, func() {}, nil

	case "nsq":
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("nsq producer: %w", err)
		}
		d := delivery.NewNSQDeliverer(producer, cfg.NSQ.ScansTopic, cfg.StationID)
		return d.Deliver, producer.Stop, nil

	case "kafka":
		w := delivery.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		d := delivery.NewKafkaDeliverer(w, cfg.StationID)
		return d.Deliver, func() { _ = w.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown delivery transport %q", cfg.Queue.Transport)
	}
}

// buildValidator returns nil when the local API runs without auth.
func buildValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	switch {
	case cfg.PublicKeyPEM != "":
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		key, err := auth.FetchJWKS(ctx, cfg.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
	default:
		return nil, nil
	}
}

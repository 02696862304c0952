package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Store struct {
	Driver        string // sqlite, postgres, redis, memory
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Queue struct {
	MaxRetries      int           // Failed attempts an item survives before it is dropped
	Transport       string        // http, nsq, kafka
	DeliveryTimeout time.Duration // Bound on a single delivery attempt
}

type Sync struct {
	Schedule      string          // cron spec, e.g. "@every 1m"
	HealthURL     string          // Probed to detect offline->online transitions
	ProbeInterval time.Duration   // How often HealthURL is probed
	RetrySchedule []time.Duration // Follow-up delays after a run with failures
	JitterPercent float64         // Follow-up jitter percentage (0.0-1.0)
	StopGrace     time.Duration   // How long shutdown waits for a run in progress
}

type Backend struct {
	URL                       string // Platform base URL
	RPC                       string // Stored procedure receiving scans
	APIKey                    string // Sent as the apikey header
	JWTSecret                 string // Signs the bearer token
	JWTRole                   string
	SigningSecret             string // HMAC secret for X-Cofre-Signature
	Timeout                   time.Duration
	TreatPermanentAsDelivered bool
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	ScansTopic     string // Topic for the nsq transport
	DLQTopic       string // Dropped scans
	MonitorChannel string // Channel used by dlq-monitor
	PublishDLQ     bool   // Whether dropped scans are published to DLQTopic
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Auth struct {
	PublicKeyPEM string // Verifies operator tokens on the local API
	JWKSURL      string // Alternative to PublicKeyPEM
	Issuer       string
	Audience     string
}

type FakeBackend struct {
	FailFirstN           int           // Number of requests to fail initially
	SigningSecret        string        // Secret for signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName     string
	StationID   string
	HTTPPort    string // :8090
	LogLevel    string
	Store       Store
	DB          DB
	Queue       Queue
	Sync        Sync
	Backend     Backend
	NSQ         NSQ
	Kafka       Kafka
	Auth        Auth
	FakeBackend FakeBackend
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

var defaultRetrySchedule = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}

func parseRetrySchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultRetrySchedule
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		if d, err := time.ParseDuration(strings.TrimSpace(part)); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return defaultRetrySchedule
	}
	return durations
}

func stationID() string {
	if v := os.Getenv("STATION_ID"); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "station"
}

func FromEnv() Config {
	backendURL := getenv("BACKEND_URL", "http://localhost:8081")
	return Config{
		AppName:   getenv("APP_NAME", "cofre"),
		StationID: stationID(),
		HTTPPort:  getenv("HTTP_PORT", ":8090"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		Store: Store{
			Driver:        strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
			SQLitePath:    getenv("SQLITE_PATH", "data/scanqueue.db"),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
			RedisPrefix:   getenv("REDIS_PREFIX", "cofre:scanqueue"),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "localhost"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "cofre"),
		},
		Queue: Queue{
			MaxRetries:      getenvInt("MAX_RETRIES", 3),
			Transport:       strings.ToLower(getenv("DELIVERY_TRANSPORT", "http")),
			DeliveryTimeout: getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		},
		Sync: Sync{
			Schedule:      getenv("SYNC_SCHEDULE", "@every 1m"),
			HealthURL:     getenv("BACKEND_HEALTH_URL", strings.TrimRight(backendURL, "/")+"/healthz"),
			ProbeInterval: getenvDuration("PROBE_INTERVAL", 10*time.Second),
			RetrySchedule: parseRetrySchedule(getenv("SYNC_RETRY_SCHEDULE", "")),
			JitterPercent: getenvFloat("SYNC_RETRY_JITTER_PCT", 0.2),
			StopGrace:     getenvDuration("SYNC_STOP_GRACE", 30*time.Second),
		},
		Backend: Backend{
			URL:                       backendURL,
			RPC:                       getenv("BACKEND_RPC", "register_audit_scan"),
			APIKey:                    getenv("BACKEND_API_KEY", ""),
			JWTSecret:                 getenv("BACKEND_JWT_SECRET", ""),
			JWTRole:                   getenv("BACKEND_JWT_ROLE", "service_role"),
			SigningSecret:             getenv("BACKEND_SIGNING_SECRET", ""),
			Timeout:                   getenvDuration("BACKEND_TIMEOUT", 10*time.Second),
			TreatPermanentAsDelivered: getenvBool("TREAT_PERMANENT_AS_DELIVERED", false),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "localhost:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://localhost:4161"),
			ScansTopic:     getenv("NSQ_SCANS_TOPIC", "scans"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "scans_dlq"),
			MonitorChannel: getenv("NSQ_MONITOR_CHANNEL", "dlq_monitor"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Kafka: Kafka{
			Brokers: getenvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getenv("KAFKA_TOPIC", "cofre.scans"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY", ""),
			JWKSURL:      getenv("AUTH_JWKS_URL", ""),
			Issuer:       getenv("AUTH_ISSUER", ""),
			Audience:     getenv("AUTH_AUDIENCE", ""),
		},
		FakeBackend: FakeBackend{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			SigningSecret:        getenv("BACKEND_SIGNING_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_BACKEND_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_BACKEND_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_BACKEND_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_BACKEND_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Load reads the given dotenv files (default ".env") into the environment
// without overriding variables that are already set, then calls FromEnv.
// Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg := FromEnv()
	return cfg, cfg.Validate()
}

// Validate rejects settings syncd cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Queue.Transport {
	case "http", "nsq", "kafka":
	default:
		return fmt.Errorf("unknown DELIVERY_TRANSPORT %q", c.Queue.Transport)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.Transport == "http" && c.Backend.URL == "" {
		return errors.New("BACKEND_URL is required for the http transport")
	}
	if c.Queue.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required for the kafka transport")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

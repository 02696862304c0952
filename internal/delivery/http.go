package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/tracing"
)

const (
	SignatureHeader   = "X-Cofre-Signature" // sha256=<hex>
	TimestampHeader   = "X-Cofre-Timestamp" // unix seconds
	IdempotencyHeader = "Idempotency-Key"
)

// HTTPError is returned for a non-2xx response from the platform.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether sending the same request later can succeed.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

type HTTPConfig struct {
	BaseURL       string // e.g. https://xyz.supabase.co
	RPC           string // stored procedure name
	APIKey        string
	SigningSecret string
	Timeout       time.Duration
	// TreatPermanentAsDelivered reports non-retryable 4xx answers as
	// delivered so they leave the queue instead of burning retries.
	TreatPermanentAsDelivered bool
}

// HTTPDeliverer posts scans to the platform's RPC endpoint.
type HTTPDeliverer struct {
	cfg    HTTPConfig
	url    string
	client *http.Client
	tokens TokenSource
	logger *logging.Logger
}

func NewHTTPDeliverer(cfg HTTPConfig, tokens TokenSource, logger *logging.Logger) *HTTPDeliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPDeliverer{
		cfg:    cfg,
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1/rpc/" + cfg.RPC,
		client: &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
		logger: logger,
	}
}

// URL is the endpoint scans are posted to.
func (d *HTTPDeliverer) URL() string { return d.url }

// Sign returns the hex HMAC-SHA256 of body followed by ts.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends one scan. A 409 means the platform already holds the
// idempotency key and counts as delivered.
func (d *HTTPDeliverer) Deliver(ctx context.Context, s audit.Scan) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.http",
		attribute.String("audit_id", s.AuditID),
		attribute.String("idempotency_key", s.IdempotencyKey),
	)
	defer span.End()

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	if d.cfg.APIKey != "" {
		req.Header.Set("apikey", d.cfg.APIKey)
	}
	if d.tokens != nil {
		tok, err := d.tokens.Token()
		if err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if s.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, s.IdempotencyKey)
	}
	if d.cfg.SigningSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, "sha256="+Sign(d.cfg.SigningSecret, body, ts))
	}
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		d.logger.WithContext(ctx).WithBatch(s.AuditID).
			WithField("idempotency_key", s.IdempotencyKey).
			Info("Platform already holds scan, treating as delivered")
		return nil
	}

	herr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	tracing.SetSpanError(ctx, herr)
	if !herr.Retryable() && d.cfg.TreatPermanentAsDelivered {
		d.logger.WithContext(ctx).WithBatch(s.AuditID).WithError(herr).
			WithField("idempotency_key", s.IdempotencyKey).
			Error("Platform rejected scan permanently, removing it from the queue")
		return nil
	}
	return herr
}

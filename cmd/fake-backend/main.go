package main

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/config"
	"github.com/cofretracker/cofre_tracker/internal/delivery"
	"github.com/cofretracker/cofre_tracker/internal/logging"
)

// receiver stands in for the platform's scan RPC during development.
type receiver struct {
	cfg    config.FakeBackend
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
	seen     map[string]struct{}
	scans    []audit.Scan
}

func newReceiver(cfg config.FakeBackend, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, seen: map[string]struct{}{}}
}

func main() {
	cfg := config.FromEnv().FakeBackend
	logger := logging.New("cofre-fake-backend")
	rcv := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify_sig":   cfg.SigningSecret != "",
	}).Info("fake-backend listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-backend failed")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /rest/v1/rpc/{rpc}", rc.handleRPC)
	mux.HandleFunc("GET /scans", rc.handleList)
	return mux
}

func (rc *receiver) handleRPC(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	log := rc.logger.Plain().WithField("rpc", r.PathValue("rpc")).WithField("request", n)

	if rc.cfg.SigningSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if ok, msg := verifySignature(rc.cfg.SigningSecret, b, r.Header.Get(delivery.TimestampHeader),
			r.Header.Get(delivery.SignatureHeader), leeway); !ok {
			log.WithField("reason", msg).Warn("Signature rejected")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.cfg.FailFirstN {
		log.WithField("body", truncate(string(b), 160)).Warnf("Failing request %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var scan audit.Scan
	if err := json.Unmarshal(b, &scan); err != nil {
		http.Error(w, "invalid scan payload", http.StatusBadRequest)
		return
	}
	if err := scan.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	key := r.Header.Get(delivery.IdempotencyHeader)
	if key == "" {
		key = scan.IdempotencyKey
	}

	rc.mu.Lock()
	_, dup := rc.seen[key]
	if !dup {
		if key != "" {
			rc.seen[key] = struct{}{}
		}
		rc.scans = append(rc.scans, scan)
	}
	rc.mu.Unlock()

	if dup {
		log.WithField("idempotency_key", key).Info("Duplicate scan")
		http.Error(w, "duplicate idempotency key", http.StatusConflict)
		return
	}
	log.WithField("audit_id", scan.AuditID).WithField("imei", scan.IMEI).Info("Scan recorded")
	w.WriteHeader(http.StatusNoContent)
}

func (rc *receiver) handleList(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	scans := append([]audit.Scan(nil), rc.scans...)
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(scans)
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if abs64(time.Now().Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	got, ok := strings.CutPrefix(sigHeaderVal, "sha256=")
	if !ok {
		return false, "bad signature scheme"
	}
	if _, err := hex.DecodeString(got); err != nil {
		return false, "signature not hex"
	}
	if !hmac.Equal([]byte(got), []byte(delivery.Sign(secret, body, ts))) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

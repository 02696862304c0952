// Package api serves the local HTTP interface used by scanning devices and
// by cofrectl.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/auth"
	"github.com/cofretracker/cofre_tracker/internal/health"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/store"
	"github.com/cofretracker/cofre_tracker/internal/syncer"
)

// Syncer runs syncs on demand and reports runner state.
type Syncer interface {
	RunNow(ctx context.Context) scanqueue.Result
	Status(ctx context.Context) (syncer.Status, error)
}

type Deps struct {
	Queue     *scanqueue.Queue[audit.Scan]
	Syncer    Syncer
	Pinger    store.Pinger        // optional, backs /healthz
	Validator *auth.JWTValidator  // optional; when set /v1 requires a bearer token
	Gatherer  prometheus.Gatherer // optional, backs /metrics
	OnEnqueue func()              // optional, e.g. runner.Trigger
	Logger    *logging.Logger
}

type server struct {
	Deps
}

// NewRouter wires the API routes onto a gorilla/mux router.
func NewRouter(d Deps) *mux.Router {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	s := &server{Deps: d}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.HTTPHandler(d.Pinger, d.Queue)).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if d.Validator != nil {
		v1.Use(d.Validator.HTTPMiddleware)
	}
	v1.HandleFunc("/audits/{auditID}/scans", s.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	v1.HandleFunc("/pending/count", s.handleCount).Methods(http.MethodGet)
	v1.HandleFunc("/pending/{id}", s.handleDequeue).Methods(http.MethodDelete)
	v1.HandleFunc("/pending", s.handleClear).Methods(http.MethodDelete)
	v1.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// ScanRequest is the body of POST /v1/audits/{auditID}/scans.
type ScanRequest struct {
	IMEI           string       `json:"imei"`
	DeviceID       string       `json:"device_id,omitempty"`
	StoreID        string       `json:"store_id,omitempty"`
	ScannedBy      string       `json:"scanned_by,omitempty"`
	Result         audit.Result `json:"result"`
	ScannedAt      *time.Time   `json:"scanned_at,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type EnqueueResponse struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= 500 {
		s.Logger.WithContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["auditID"]

	var req ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Result == "" {
		req.Result = audit.ResultFound
	}

	scan := audit.NewScan(auditID, req.IMEI, req.Result)
	scan.DeviceID = req.DeviceID
	scan.StoreID = req.StoreID
	scan.ScannedBy = req.ScannedBy
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		scan.ScannedBy = op
	}
	if req.ScannedAt != nil {
		scan.ScannedAt = req.ScannedAt.UTC()
	}
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		scan.IdempotencyKey = k
	}
	if err := scan.Validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := s.Queue.Enqueue(r.Context(), auditID, scan)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if s.OnEnqueue != nil {
		s.OnEnqueue()
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id, IdempotencyKey: scan.IdempotencyKey})
}

func (s *server) handlePending(w http.ResponseWriter, r *http.Request) {
	var (
		items []scanqueue.Item[audit.Scan]
		err   error
	)
	if batch := r.URL.Query().Get("audit"); batch != "" {
		items, err = s.Queue.PendingByBatch(r.Context(), batch)
	} else {
		items, err = s.Queue.Pending(r.Context())
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []scanqueue.Item[audit.Scan]{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Dequeue(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Clear(r.Context()); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.Logger.WithContext(r.Context()).Warn("Pending queue cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleSync runs detached from the request so a client hanging up does not
// abort deliveries mid-run.
func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.Syncer.RunNow(context.WithoutCancel(r.Context()))
	code := http.StatusOK
	if res.Skipped {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Syncer.Status(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

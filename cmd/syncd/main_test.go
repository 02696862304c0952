package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/auth"
	"github.com/cofretracker/cofre_tracker/internal/config"
	"github.com/cofretracker/cofre_tracker/internal/delivery"
	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/store"
)

func quietLogger() *logging.Logger {
	l := logging.New("syncd-test")
	l.SetOutput(io.Discard)
	return l
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		store   config.Store
		wantErr bool
	}{
		{name: "memory", store: config.Store{Driver: "memory"}},
		{name: "sqlite", store: config.Store{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "q.db")}},
		{name: "unknown driver", store: config.Store{Driver: "leveldb"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(config.Config{Store: tt.store})
			defer st.Close()

			err := st.Insert(context.Background(), store.Record{ID: "a", BatchID: "b", Payload: []byte(`{}`)})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Insert() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			recs, err := st.List(context.Background())
			if err != nil || len(recs) != 1 {
				t.Errorf("List() = %v, %v", recs, err)
			}
		})
	}
}

func TestBuildDeliverer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{name: "http", cfg: config.Config{Queue: config.Queue{Transport: "http"}, Backend: config.Backend{URL: "http://localhost:1", RPC: "r"}}},
		{name: "http with jwt", cfg: config.Config{Queue: config.Queue{Transport: "http"}, Backend: config.Backend{URL: "http://localhost:1", JWTSecret: "s"}}},
		{name: "nsq", cfg: config.Config{Queue: config.Queue{Transport: "nsq"}, NSQ: config.NSQ{NsqdTCPAddr: "127.0.0.1:4150", ScansTopic: "scans"}}},
		{name: "kafka", cfg: config.Config{Queue: config.Queue{Transport: "kafka"}, Kafka: config.Kafka{Brokers: []string{"127.0.0.1:9092"}, Topic: "scans"}}},
		{name: "unknown", cfg: config.Config{Queue: config.Queue{Transport: "carrier-pigeon"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliver, closeFn, err := buildDeliverer(tt.cfg, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildDeliverer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if deliver == nil || closeFn == nil {
				t.Fatal("buildDeliverer() returned nil func")
			}
			closeFn()
		})
	}
}

// TestHTTPPipeline runs the same wiring syncd uses against a local receiver
// that fails the first attempt.
func TestHTTPPipeline(t *testing.T) {
	var calls atomic.Int32
	var gotAuth, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotSig = r.Header.Get(delivery.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Config{
		StationID: "loja-1",
		Store:     config.Store{Driver: "memory"},
		Queue:     config.Queue{Transport: "http", MaxRetries: 3, DeliveryTimeout: 2 * time.Second},
		Backend: config.Backend{
			URL:           srv.URL,
			RPC:           "register_audit_scan",
			JWTSecret:     "jwt-secret",
			JWTRole:       "service_role",
			SigningSecret: "hmac-secret",
			Timeout:       time.Second,
		},
	}

	st := openStore(cfg)
	defer st.Close()
	deliver, closeFn, err := buildDeliverer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildDeliverer() error: %v", err)
	}
	defer closeFn()

	q := scanqueue.New[audit.Scan](st,
		scanqueue.WithMaxRetries(cfg.Queue.MaxRetries),
		scanqueue.WithLogger(quietLogger()),
		scanqueue.WithClassifier(delivery.ClassifyReason))
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "audit-1", audit.NewScan("audit-1", "356938035643809", audit.ResultFound)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	deliver = delivery.WithTimeout(deliver, cfg.Queue.DeliveryTimeout)
	if res := q.Sync(ctx, deliver); res.Failed != 1 || res.Success != 0 {
		t.Fatalf("first Sync() = %+v, want one failure", res)
	}
	if res := q.Sync(ctx, deliver); res.Success != 1 {
		t.Fatalf("second Sync() = %+v, want one success", res)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Errorf("signature = %q", gotSig)
	}
}

func TestBuildValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
			Kty: "RSA",
			Kid: "k1",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	tests := []struct {
		name    string
		cfg     config.Auth
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.Auth{}, wantNil: true},
		{name: "pem", cfg: config.Auth{PublicKeyPEM: pemKey}},
		{name: "jwks", cfg: config.Auth{JWKSURL: jwks.URL}},
		{name: "bad pem", cfg: config.Auth{PublicKeyPEM: "nope"}, wantErr: true},
		{name: "jwks down", cfg: config.Auth{JWKSURL: "http://127.0.0.1:1/jwks"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := buildValidator(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (v == nil) != tt.wantNil {
				t.Errorf("validator = %v, wantNil %v", v, tt.wantNil)
			}
		})
	}
}

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cofretracker/cofre_tracker/internal/auth"
	"github.com/cofretracker/cofre_tracker/internal/config"
	"github.com/cofretracker/cofre_tracker/internal/logging"
)

const keyID = "cofre-dev-key-1"

// issuer mints operator tokens for development stations and publishes the
// matching JWKS for syncd's AUTH_JWKS_URL.
type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PEM PKCS1 private key, or generates one when pemKey is
// empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func (is *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.handleJWKS)
	mux.HandleFunc("POST /token", is.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func (is *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := is.key.PublicKey
	set := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

type tokenRequest struct {
	OperatorID string `json:"operator_id"`
	StoreID    string `json:"store_id,omitempty"`
	TTL        int    `json:"ttl_seconds,omitempty"` // defaults to 8h, one shift
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (is *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.OperatorID == "" {
		http.Error(w, "operator_id is required", http.StatusBadRequest)
		return
	}
	if req.TTL <= 0 {
		req.TTL = 8 * 3600
	}

	now := is.now()
	claims := jwt.MapClaims{
		"sub": req.OperatorID,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(req.TTL) * time.Second).Unix(),
	}
	if is.issuer != "" {
		claims["iss"] = is.issuer
	}
	if is.audience != "" {
		claims["aud"] = is.audience
	}
	if req.StoreID != "" {
		claims["store_id"] = req.StoreID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(is.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: signed, ExpiresIn: req.TTL, TokenType: "Bearer"})
}

func main() {
	logger := logging.New("cofre-dev-issuer")
	cfg := config.FromEnv()

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Invalid signing key")
	}
	is := &issuer{key: key, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"jwks":     "http://localhost:" + port + "/.well-known/jwks.json",
		"issuer":   is.issuer,
		"audience": is.audience,
	}).Info("Dev token issuer starting")

	srv := &http.Server{Addr: ":" + port, Handler: is.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}

package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints the HS256 bearer tokens the station presents to the
// platform. Tokens are cached and reissued shortly before they expire.
type Signer struct {
	secret  []byte
	issuer  string
	subject string
	role    string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSigner returns a signer for the given shared secret. subject is the
// station id, role the platform role claim (e.g. "service_role").
func NewSigner(secret, issuer, subject, role string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty signing secret")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{
		secret:  []byte(secret),
		issuer:  issuer,
		subject: subject,
		role:    role,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Token returns a valid token, minting a new one if the cached token has
// less than a tenth of its lifetime left.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.token, nil
	}

	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"iss":  s.issuer,
		"sub":  s.subject,
		"role": s.role,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.token, s.expires = signed, exp
	return signed, nil
}

// Package auth mints and checks the ServerToken that gates subscriber admission.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrTokenMissing  = errors.New("token missing")
	ErrTokenInvalid  = errors.New("token invalid or expired")
	ErrTokenMismatch = errors.New("token does not match current server token")
)

const issuer = "locrelay"

// Issuer signs ServerTokens with HS256 and verifies them.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// TTL is the validity window of a minted token.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Mint returns a fresh signed token valid for TTL from now.
func (i *Issuer) Mint() (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign server token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and expiry.
func (i *Issuer) Verify(token string) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || !claims.VerifyIssuer(issuer, true) {
		return ErrTokenInvalid
	}
	return nil
}

// Admit runs the admission checks in order: presence, validity, then
// identity with the token currently held in slot. A valid token minted for
// an earlier upstream session is a mismatch.
func (i *Issuer) Admit(presented string, slot *Slot) error {
	if presented == "" {
		return ErrTokenMissing
	}
	if err := i.Verify(presented); err != nil {
		return err
	}
	cur, ok := slot.Current()
	if !ok || cur != presented {
		return ErrTokenMismatch
	}
	return nil
}

// Slot holds the single process-wide ServerToken. Only the upstream session
// writes it; everyone else reads.
type Slot struct {
	mu      sync.RWMutex
	token   string
	expires time.Time
}

func (s *Slot) Set(token string, expires time.Time) {
	s.mu.Lock()
	s.token = token
	s.expires = expires
	s.mu.Unlock()
}

func (s *Slot) Clear() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// Current returns the token, or false when none is held.
func (s *Slot) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Expires returns the expiry of the held token (zero when absent).
func (s *Slot) Expires() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

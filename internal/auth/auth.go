// Package auth issues and verifies the bearer tokens the relay accepts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
)

// Issuer signs HS256 tokens whose subject is a sender identity.
type Issuer struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewIssuer constructs an Issuer. A zero ttl yields tokens without expiry.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl, leeway: 30 * time.Second, now: time.Now}
}

// Issue creates a signed token for id.
func (i *Issuer) Issue(id model.Identity) (string, time.Time, error) {
	if _, err := model.ParseIdentity(string(id)); err != nil {
		return "", time.Time{}, fmt.Errorf("subject: %w", err)
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:  string(id),
		IssuedAt: jwt.NewNumericDate(now),
	}
	var exp time.Time
	if i.ttl > 0 {
		exp = now.Add(i.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	return signed, exp, err
}

// Verify checks the signature and time claims and returns the subject identity.
// Every failure is reported as errs.ErrUnauthorized.
func (i *Issuer) Verify(token string) (model.Identity, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithLeeway(i.leeway), jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
	}

	id, err := model.ParseIdentity(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// Package ack issues the capability tokens carried in reminder payloads and
// applies the patient's response to them.
package ack

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// DefaultTTL bounds how long a reminder can be acknowledged.
const DefaultTTL = 48 * time.Hour

// ErrInvalidToken covers malformed, foreign-signed and expired tokens.
var ErrInvalidToken = errors.New("invalid or expired acknowledgment token")

// Capability is what a token grants: acknowledging one reminder.
type Capability struct {
	PatientID  string
	Kind       models.AttemptKind
	VitalType  string
	CycleStart string
	Bucket     models.Bucket
}

// Claims is the JWT body of an acknowledgment token.
type Claims struct {
	Kind       models.AttemptKind `json:"kind"`
	VitalType  string             `json:"vital_type,omitempty"`
	CycleStart string             `json:"cycle_start,omitempty"`
	Bucket     models.Bucket      `json:"bucket,omitempty"`
	jwt.RegisteredClaims
}

// Capability returns the grant carried by the claims.
func (c *Claims) Capability() Capability {
	return Capability{
		PatientID:  c.Subject,
		Kind:       c.Kind,
		VitalType:  c.VitalType,
		CycleStart: c.CycleStart,
		Bucket:     c.Bucket,
	}
}

// Issuer signs and verifies tokens with one HMAC key.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer. An empty secret gets a random per-process key,
// which invalidates outstanding tokens on restart.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ack token key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the capability.
func (i *Issuer) Issue(c Capability) (string, error) {
	now := i.now()
	claims := Claims{
		Kind:       c.Kind,
		VitalType:  c.VitalType,
		CycleStart: c.CycleStart,
		Bucket:     c.Bucket,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.PatientID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign ack token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or id", ErrInvalidToken)
	}
	return claims, nil
}

// DeepLink builds <origin>/patient?log_token=<token>.
func DeepLink(appOrigin, token string) string {
	return strings.TrimRight(appOrigin, "/") + "/patient?log_token=" + url.QueryEscape(token)
}

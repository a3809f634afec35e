// Package auth implements token issuance/verification and per-request
// actor extraction (spec.md §4.I, §4.K), grounded on
// ehrlich-b-wingthing's internal/relay/jwt.go issue/verify shape, adapted
// from ES256 wing-to-relay handshakes to HS256 bearer tokens signed with
// a single shared JWT_SECRET.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is one of the four roles spec.md §3's User entity recognizes.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleJudge      Role = "judge"
	RoleViewer     Role = "viewer"
	RoleSpectator  Role = "spectator"
)

// Claims is the decoded form of a signed access token (spec.md §3).
type Claims struct {
	jwt.RegisteredClaims
	Role  Role  `json:"role"`
	Boxes []int `json:"boxes,omitempty"`
}

// Issuer signs and verifies access tokens with a single HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer returns an Issuer using secret for HS256 signing. An empty
// secret is accepted (useful for tests/dev) but callers should treat a
// production deployment without JWT_SECRET as a configuration error.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token for subject/role/boxes that expires after ttl.
func (i *Issuer) Issue(subject string, role Role, boxes []int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  role,
		Boxes: boxes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// IssuePublic mints a 24h spectator token with subject "spectator" and no
// box restriction
// (spec.md §6.4 POST /api/public/token).
func (i *Issuer) IssuePublic() (string, error) {
	return i.Issue("spectator", RoleSpectator, nil, 24*time.Hour)
}

// ErrInvalidToken and ErrTokenExpired are the two decode failure kinds
// spec.md §4.I maps to 401.
var (
	ErrInvalidToken = fmt.Errorf("invalid_token")
	ErrTokenExpired = fmt.Errorf("token_expired")
)

// Verify decodes and validates tokenString, returning its Claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

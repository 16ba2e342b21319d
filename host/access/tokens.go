// Package access issues and validates the bearer tokens that guard the host's
// internal route API.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ClaimsKey holds the validated *HostClaims in a request context.
const ClaimsKey contextKey = "claims"

var ErrMissingToken = errors.New("missing bearer token")

// HostClaims identifies the caller of an internal endpoint.
type HostClaims struct {
	jwt.Claims
	Application string `json:"app"`
	Expiry      int64  `json:"exp"`
	IssuedAt    int64  `json:"iat"`
}

func (c HostClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}

func (c HostClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c HostClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c HostClaims) GetIssuer() (string, error) {
	return "", nil
}

func (c HostClaims) GetSubject() (string, error) {
	return c.Application, nil
}

func (c HostClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}

// IssueToken signs an HS256 token for application valid for ttl.
func IssueToken(secret []byte, application string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"app": application,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies an HS256 token.
func ValidateToken(secret []byte, tokenString string) (*HostClaims, error) {
	var claims HostClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &claims, nil
}

// BearerToken extracts the bearer token from r
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// WithClaims returns a copy of ctx carrying claims under ClaimsKey.
func WithClaims(ctx context.Context, claims *HostClaims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*HostClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*HostClaims)
	return claims, ok && claims != nil
}

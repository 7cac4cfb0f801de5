// Package auth verifies operator identity for decision endpoints.
// Approvals and rejections are attributed artifacts; the approver name
// comes from a verified token, never from the request body.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors surfaced to the HTTP layer.
var (
	ErrNoToken      = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Operator is the verified identity attached to the request context.
type Operator struct {
	ID   string
	Role string
}

// Claims is the token payload. Subject carries the operator id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed operator tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds a verifier for tokens signed with the shared
// secret and issued by issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// IssueToken mints a token for an operator. Used by the dev server and
// tests; production deployments issue tokens from their identity
// provider with the same claims.
func (v *Verifier) IssueToken(operatorID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(raw string) (*Operator, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return &Operator{ID: claims.Subject, Role: claims.Role}, nil
}

type contextKey struct{}

// WithOperator attaches a verified operator to the context.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// OperatorFrom returns the verified operator, if any.
func OperatorFrom(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(*Operator)
	return op, ok
}

// FromRequest extracts and verifies the bearer token on a request.
func (v *Verifier) FromRequest(r *http.Request) (*Operator, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoToken
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, ErrNoToken
	}
	return v.Verify(raw)
}

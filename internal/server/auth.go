package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoBearerToken = errors.New("authorization must be: Bearer <token>")
	ErrInvalidToken  = errors.New("invalid token")
)

// Authenticator verifies HS256 bearer tokens whose subject is the caller id
// the ledger authorizes against (manager, cover module, position owner).
type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewAuthenticator returns nil for an empty secret, which disables caller
// authentication and trusts the caller carried in the request body.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, leeway: time.Minute}
}

// VerifyBearer parses an Authorization header value into a caller id.
func (a *Authenticator) VerifyBearer(header string) (uuid.UUID, error) {
	tokenStr, err := extractBearer(header)
	if err != nil {
		return uuid.Nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	caller, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a caller id", ErrInvalidToken)
	}
	return caller, nil
}

// Mint signs a token for caller. Used by the token CLI command and tests.
func (a *Authenticator) Mint(caller uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   caller.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func extractBearer(h string) (string, error) {
	h = strings.TrimSpace(h)
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrNoBearerToken
	}
	return strings.TrimSpace(parts[1]), nil
}

type callerKey struct{}

// WithCaller stores a verified caller on ctx.
func WithCaller(ctx context.Context, caller uuid.UUID) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the verified caller, if any.
func CallerFromContext(ctx context.Context) (uuid.UUID, bool) {
	caller, ok := ctx.Value(callerKey{}).(uuid.UUID)
	return caller, ok
}

// Package sredsecurity issues and verifies the admin tokens that gate
// administrative engine calls (ForceTransition, RefreshWorkflow — spec
// §11's reserved "Security" error kind for disallowed administrative
// access). Grounded on the teacher's pkg/web/middleware/auth/jwt.go
// (JWTTokenGenerator signing HS256 tokens, a keyFunc that rejects
// non-HMAC algorithms to avoid alg-confusion) adapted from an HTTP
// bearer-token middleware to a context-carried token gate, since the
// engine has no HTTP layer of its own.
package sredsecurity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenCtxKey struct{}

// WithAdminToken returns a context carrying token for a subsequent
// administrative call. Callers obtain token out of band (e.g. from an
// operator's session) and attach it right before calling
// ForceTransition or RefreshWorkflow.
func WithAdminToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenCtxKey{}, token)
}

func tokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenCtxKey{}).(string)
	return v, ok && v != ""
}

// TokenService issues and verifies HS256 admin tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
}

// NewTokenService builds a TokenService signing with signingKey. An
// empty key is rejected: an admin-token gate with no secret would
// accept unsigned or attacker-signed tokens.
func NewTokenService(signingKey string, issuer string) (*TokenService, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("sredsecurity: signing key must not be empty")
	}
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer}, nil
}

// IssueAdminToken mints a token authorizing subject to perform
// administrative calls for ttl.
func (s *TokenService) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": "admin",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// VerifyAdminToken parses and validates token, requiring the "admin"
// scope claim.
func (s *TokenService) VerifyAdminToken(raw string) (jwt.MapClaims, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	if claims["scope"] != "admin" {
		return nil, fmt.Errorf("token missing required admin scope")
	}
	return claims, nil
}

// Authorizer returns a gate function suitable for
// instance.Manager.SetAuthorizer: it requires a token attached via
// WithAdminToken and verifies it carries the admin scope.
func (s *TokenService) Authorizer() func(ctx context.Context, action string) error {
	return func(ctx context.Context, action string) error {
		raw, ok := tokenFromContext(ctx)
		if !ok {
			return fmt.Errorf("no admin token present for action %q", action)
		}
		_, err := s.VerifyAdminToken(raw)
		return err
	}
}

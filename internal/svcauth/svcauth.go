// Package svcauth provides optional service-to-service JWT authentication
// for the effector HTTP contract: IssueToken mints a short-lived HS256
// Bearer token and Middleware validates it with echo-jwt. The claims carry
// no member data, so the change payload shape is untouched. No binary in
// this repository wires it in; effectorclient sends no Authorization header.
package svcauth

import (
	"fmt"
	"time"

	"github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenService issues and validates the dispatcher's service token using
// HMAC SHA-256, scoped by issuer/audience so an effector only accepts
// tokens meant for it.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenService builds a TokenService. issuer is conventionally
// "dh-dispatcher"; audience is the effector's service name.
func NewTokenService(secret, issuer, audience string) *TokenService {
	return &TokenService{secret: []byte(secret), issuer: issuer, audience: audience}
}

// IssueToken mints a short-lived token for use as a Bearer Authorization
// header on an effector call.
func (s *TokenService) IssueToken(ttl time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject("dh-dispatcher").
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("svcauth: building token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("svcauth: signing token: %w", err)
	}
	return string(signed), nil
}

// Middleware returns an echo-jwt middleware validating Bearer tokens
// against the same secret, issuer, and audience.
func (s *TokenService) Middleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return jwt.Parse([]byte(auth),
				jwt.WithKey(jwa.HS256, s.secret),
				jwt.WithIssuer(s.issuer),
				jwt.WithAudience(s.audience))
		},
	})
}

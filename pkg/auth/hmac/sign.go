package hmac

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenRequest describes an operator token minted with a shared secret.
type TokenRequest struct {
	Subject  string
	Scopes   []string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Sign mints an HS256 token that Validator accepts when configured with the same secret.
func Sign(secret string, req TokenRequest, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("hmac auth: secret is required")
	}
	if req.TTL <= 0 {
		return "", errors.New("hmac auth: ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": req.Subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(req.TTL)),
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

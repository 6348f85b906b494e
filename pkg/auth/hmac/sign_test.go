package hmac

import (
	"testing"
	"time"

	"github.com/osvaldoandrade/crowdq/pkg/auth"
)

func TestSignRoundTrip(t *testing.T) {
	v := newValidator(t)
	tok, err := Sign("s3cret", TokenRequest{
		Subject:  "ops-bot",
		Scopes:   []string{auth.ScopeAdmin},
		Issuer:   "ops",
		Audience: "crowdq",
		TTL:      10 * time.Minute,
	}, fixedNow)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "ops-bot" || !claims.HasScope(auth.ScopeAdmin) {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Equal(fixedNow.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", claims.ExpiresAt)
	}
}

func TestSignRejectsBadInput(t *testing.T) {
	if _, err := Sign("", TokenRequest{TTL: time.Minute}, fixedNow); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := Sign("s3cret", TokenRequest{}, fixedNow); err == nil {
		t.Error("zero ttl accepted")
	}
}

func TestSignedTokenExpires(t *testing.T) {
	v := newValidator(t)
	tok, err := Sign("s3cret", TokenRequest{Subject: "x", Issuer: "ops", Audience: "crowdq", TTL: time.Minute}, fixedNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.Validate(tok); err == nil {
		t.Error("expired token accepted")
	}
}

package auth_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/crowdq/pkg/auth"
	"github.com/osvaldoandrade/crowdq/pkg/auth/hmac"
	_ "github.com/osvaldoandrade/crowdq/pkg/auth/static"
)

func TestNamesListsOperatorProviders(t *testing.T) {
	names := auth.Names()
	if strings.Join(names, ",") != "hmac,static" {
		t.Fatalf("Names() = %v, want [hmac static]", names)
	}
}

func TestNewValidatorBuildsRegisteredProviders(t *testing.T) {
	minted, err := hmac.Sign("s3cret", hmac.TokenRequest{
		Subject: "alex",
		Scopes:  []string{auth.ScopeAdmin},
		TTL:     time.Hour,
	}, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name        string
		cfg         auth.ProviderConfig
		token       string
		wantSubject string
	}{
		{
			name:        "static bare token grants admin",
			cfg:         auth.ProviderConfig{Type: "static", Config: json.RawMessage(`"op-token"`)},
			token:       "op-token",
			wantSubject: "static",
		},
		{
			name:        "type is case-insensitive",
			cfg:         auth.ProviderConfig{Type: " Static ", Config: json.RawMessage(`{"token":"op-token","subject":"sam","scopes":["crowdq:admin"]}`)},
			token:       "op-token",
			wantSubject: "sam",
		},
		{
			name:        "hmac accepts a minted token",
			cfg:         auth.ProviderConfig{Type: "HMAC", Config: json.RawMessage(`{"secret":"s3cret"}`)},
			token:       minted,
			wantSubject: "alex",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := auth.NewValidator(tt.cfg)
			if err != nil {
				t.Fatalf("NewValidator: %v", err)
			}
			claims, err := v.Validate(tt.token)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if claims.Subject != tt.wantSubject || !claims.HasScope(auth.ScopeAdmin) {
				t.Fatalf("claims = %+v", claims)
			}
			if _, err := v.Validate("wrong"); err == nil {
				t.Fatal("expected a wrong token to be rejected")
			}
		})
	}
}

func TestNewValidatorErrors(t *testing.T) {
	_, err := auth.NewValidator(auth.ProviderConfig{Type: "jwks", Config: json.RawMessage(`{}`)})
	if !errors.Is(err, auth.ErrUnknownProvider) {
		t.Fatalf("unknown type error = %v, want ErrUnknownProvider", err)
	}
	if !strings.Contains(err.Error(), "hmac, static") {
		t.Errorf("error should list registered providers: %v", err)
	}

	if _, err := auth.NewValidator(auth.ProviderConfig{}); err == nil {
		t.Error("expected error for empty type")
	}

	_, err = auth.NewValidator(auth.ProviderConfig{Type: "hmac", Config: json.RawMessage(`{}`)})
	if err == nil || !strings.HasPrefix(err.Error(), "operator auth hmac:") {
		t.Errorf("factory error = %v, want it prefixed with the provider", err)
	}
}

func TestRegisterProviderRejectsNilFactory(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil factory")
		}
	}()
	auth.RegisterProvider("broken", nil)
}

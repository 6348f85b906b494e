package static

import (
	"encoding/json"
	"testing"

	"github.com/osvaldoandrade/crowdq/pkg/auth"
)

func TestStaticValidator(t *testing.T) {
	raw := json.RawMessage(`{"token":"t-1","subject":"ops","scopes":["crowdq:read"],"raw":{"role":"VIEWER"}}`)
	v, err := NewValidatorFromJSON(raw)
	if err != nil {
		t.Fatalf("NewValidatorFromJSON: %v", err)
	}

	claims, err := v.Validate("t-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("expected subject ops, got %q", claims.Subject)
	}
	if !claims.HasScope("crowdq:read") || claims.HasScope(auth.ScopeAdmin) {
		t.Fatalf("unexpected scopes %v", claims.Scopes)
	}
	if claims.Raw["role"] != "VIEWER" {
		t.Fatalf("expected raw role, got %v", claims.Raw)
	}

	if _, err := v.Validate("wrong"); err == nil {
		t.Fatalf("expected validation error for wrong token")
	}
}

func TestStaticValidator_StringConfig(t *testing.T) {
	v, err := NewValidatorFromJSON(json.RawMessage(`"t-2"`))
	if err != nil {
		t.Fatalf("NewValidatorFromJSON: %v", err)
	}
	claims, err := v.Validate(" t-2 ")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "static" || !claims.HasScope(auth.ScopeAdmin) {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestStaticValidator_MissingToken(t *testing.T) {
	for _, raw := range []string{``, `{}`, `{"token":"  "}`} {
		if _, err := NewValidatorFromJSON(json.RawMessage(raw)); err == nil {
			t.Errorf("NewValidatorFromJSON(%q) expected error", raw)
		}
	}
}

func TestRegisteredAsStatic(t *testing.T) {
	v, err := auth.NewValidator(auth.ProviderConfig{Type: "static", Config: json.RawMessage(`"abc"`)})
	if err != nil {
		t.Fatalf("NewValidator(static): %v", err)
	}
	if _, err := v.Validate("abc"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

package tools

import (
	"context"
	"net/http"
	"testing"

	"github.com/flowkit/engine/catalog"
)

func resolveFixture(ref string) (string, error) { return "resolved-" + ref, nil }

func TestNewAuthenticator_BearerSetsAuthorizationHeader(t *testing.T) {
	cfg := &catalog.AuthConfig{Type: catalog.AuthBearer, TokenRef: "api-token"}
	auth, err := NewAuthenticator(cfg, resolveFixture)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer resolved-api-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestNewAuthenticator_APIKeyUsesCustomHeader(t *testing.T) {
	cfg := &catalog.AuthConfig{Type: catalog.AuthAPIKey, SecretRef: "key-ref", HeaderName: "X-Custom-Key"}
	auth, err := NewAuthenticator(cfg, resolveFixture)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	auth.Apply(context.Background(), req)
	if got := req.Header.Get("X-Custom-Key"); got != "resolved-key-ref" {
		t.Errorf("X-Custom-Key = %q", got)
	}
}

func TestNewAuthenticator_HMACSetsSignatureAndTimestampHeaders(t *testing.T) {
	cfg := &catalog.AuthConfig{Type: catalog.AuthHMAC, SecretRef: "hmac-secret"}
	auth, err := NewAuthenticator(cfg, resolveFixture)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/orders", nil)
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if req.Header.Get("X-Signature") == "" {
		t.Errorf("expected a signature header to be set")
	}
	if req.Header.Get("X-Signature-Timestamp") == "" {
		t.Errorf("expected a timestamp header to be set")
	}
}

func TestNewAuthenticator_NilConfigReturnsNilAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(nil, resolveFixture)
	if err != nil || auth != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", auth, err)
	}
}

func TestNewAuthenticator_UnresolvableSecretFails(t *testing.T) {
	cfg := &catalog.AuthConfig{Type: catalog.AuthBearer, TokenRef: "missing"}
	_, err := NewAuthenticator(cfg, noSecretResolver)
	if err == nil {
		t.Fatalf("expected an error when the secret resolver fails")
	}
}

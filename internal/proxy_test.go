package proxy

import (
	"context"
	"strings"
	"testing"
)

func TestNewProxyKeyString(t *testing.T) {
	t.Parallel()

	k := NewProxyKeyString()
	if !strings.HasPrefix(k, ProxyKeyPrefix) {
		t.Fatalf("key %q missing prefix %q", k, ProxyKeyPrefix)
	}
	// 32 random bytes -> 43 base64url chars without padding.
	if got := len(k) - len(ProxyKeyPrefix); got != 43 {
		t.Errorf("random part length = %d, want 43", got)
	}
	if strings.ContainsAny(k, "+/=") {
		t.Errorf("key %q contains non-URL-safe characters", k)
	}
	if NewProxyKeyString() == k {
		t.Error("two generated keys are identical")
	}
}

func TestModelAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		model   string
		want    bool
	}{
		{"empty list allows all", nil, "gpt-4o", true},
		{"listed model", []string{"gpt-4o", "gpt-4o-mini"}, "gpt-4o-mini", true},
		{"unlisted model", []string{"gpt-4o"}, "gpt-3.5-turbo", false},
		{"exact match only", []string{"gpt-4o"}, "gpt-4o-mini", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			k := &ProxyKey{AllowedModels: tt.allowed}
			if got := k.ModelAllowed(tt.model); got != tt.want {
				t.Errorf("ModelAllowed(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := CredentialFromContext(ctx); got != nil {
		t.Errorf("empty context credential = %v, want nil", got)
	}
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("empty context request ID = %q, want empty", got)
	}

	ctx = ContextWithRequestID(ctx, "req-1")
	cred := &Credential{User: &User{ID: 7}, Key: &ProxyKey{ID: 3}}
	ctx2 := ContextWithCredential(ctx, cred)

	// Credential lands in the existing metadata, no new context value.
	if ctx2 != ctx {
		t.Error("ContextWithCredential allocated a new context despite existing metadata")
	}
	if got := RequestIDFromContext(ctx2); got != "req-1" {
		t.Errorf("request ID = %q, want req-1", got)
	}
	if got := CredentialFromContext(ctx2); got != cred {
		t.Errorf("credential = %v, want %v", got, cred)
	}
}

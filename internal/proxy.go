// Package proxy defines domain types and interfaces for the bigModel proxy.
// This package has no project imports -- it is the dependency root.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// --- Chat surface ---

// ChatRequest is the whitelisted subset of an OpenAI-compatible chat
// completion request. Unknown client fields are dropped on decode; only
// these fields are forwarded upstream.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior. Forwarded verbatim so clients
// can opt into usage frames on the final chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content stays raw: it may be a plain
// string or a content-part array, and the proxy never rewrites it.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Accounts and credentials ---

// User is an account that owns proxy credentials and a monthly token quota.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsAdmin     bool      `json:"is_admin"`
	QuotaTokens int64     `json:"quota_tokens"`
	QuotaAmount float64   `json:"quota_amount"` // stored, not enforced
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProxyKey is a credential clients present to the proxy.
type ProxyKey struct {
	ID            int64     `json:"id"`
	Key           string    `json:"key"`
	UserID        int64     `json:"user_id"`
	Name          string    `json:"name,omitempty"`
	IsActive      bool      `json:"is_active"`
	AllowedModels []string  `json:"allowed_models,omitempty"` // nil/empty = all models
	RPMLimit      *int64    `json:"rpm_limit,omitempty"`      // nil = global default
	TPMLimit      *int64    `json:"tpm_limit,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ModelAllowed reports whether the key may call the given model.
// An empty allow-list permits everything.
func (k *ProxyKey) ModelAllowed(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	return slices.Contains(k.AllowedModels, model)
}

// --- Upstream keys ---

// UpstreamType selects the wire dialect used to call an upstream key.
type UpstreamType string

const (
	UpstreamNative     UpstreamType = "native"
	UpstreamDeployment UpstreamType = "deployment-scoped"
)

// KeyStatus is the lifecycle state of an upstream key.
type KeyStatus string

const (
	StatusHealthy  KeyStatus = "healthy"
	StatusCooldown KeyStatus = "cooldown"
	StatusDisabled KeyStatus = "disabled" // administrative, never set by the breaker
)

// UpstreamKey is a provider credential held by the pool. SealedKey is the
// encrypted secret; the plaintext only ever exists on the stack during
// dispatch.
type UpstreamKey struct {
	ID            int64        `json:"id"`
	Type          UpstreamType `json:"type"`
	SealedKey     string       `json:"-"`
	Endpoint      string       `json:"endpoint,omitempty"`    // deployment-scoped only
	Deployment    string       `json:"deployment,omitempty"`  // deployment-scoped only
	APIVersion    string       `json:"api_version,omitempty"` // deployment-scoped only
	Weight        int          `json:"weight"`
	Status        KeyStatus    `json:"status"`
	FailureCount  int          `json:"failure_count"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	TotalRequests int64        `json:"total_requests"`
	TotalTokens   int64        `json:"total_tokens"`
	TotalErrors   int64        `json:"total_errors"`
	Notes         string       `json:"notes,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// --- Usage rows ---

// UsageRecord is a single audit row, written on every terminal outcome.
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           int64     `json:"user_id"`
	KeyID            int64     `json:"key_id,omitempty"`
	UpstreamID       int64     `json:"upstream_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	StatusCode       int       `json:"status_code"`
	LatencyMs        int64     `json:"latency_ms"`
	ClientIP         string    `json:"client_ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	RequestBody      string    `json:"request_body,omitempty"` // only when prompt logging is on
	ErrorType        string    `json:"error_type,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageDaily is the per-user per-day rollup.
type UsageDaily struct {
	UserID        int64  `json:"user_id"`
	Date          string `json:"date"` // YYYY-MM-DD, UTC
	TotalRequests int64  `json:"total_requests"`
	TotalTokens   int64  `json:"total_tokens"`
}

// UsageMonthly is the per-user per-month rollup the quota check reads.
type UsageMonthly struct {
	UserID        int64 `json:"user_id"`
	Year          int   `json:"year"`
	Month         int   `json:"month"`
	TotalRequests int64 `json:"total_requests"`
	TotalTokens   int64 `json:"total_tokens"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Credential field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue.
type requestMeta struct {
	RequestID  string
	Credential *Credential
}

// Credential is the authenticated caller: the resolved proxy key and its
// owning user.
type Credential struct {
	User *User
	Key  *ProxyKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// CredentialFromContext extracts the authenticated credential from context.
func CredentialFromContext(ctx context.Context) *Credential {
	if m := metaFromContext(ctx); m != nil {
		return m.Credential
	}
	return nil
}

// ContextWithCredential stores the credential in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithCredential(ctx context.Context, c *Credential) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Credential = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Credential: c})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// ProxyKeyPrefix is the prefix for all proxy credentials.
const ProxyKeyPrefix = "sk-proxy-"

// NewProxyKeyString generates a fresh credential: the prefix followed by
// 32 random bytes, URL-safe base64 without padding.
func NewProxyKeyString() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return ProxyKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Credential, error)
}

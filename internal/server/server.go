// Package server implements the HTTP transport layer for the proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/ratelimit"
	"github.com/ForeverLucky0901/bigModel/internal/telemetry"
	"github.com/ForeverLucky0901/bigModel/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// RateLimiter checks fixed-window counters for one identifier.
type RateLimiter interface {
	Check(ctx context.Context, scope ratelimit.Scope, identifier string, limits ratelimit.Limits, estTokens int64) (bool, ratelimit.Info)
}

// KeyPool hands out upstream credentials and takes outcome feedback.
type KeyPool interface {
	Select(ctx context.Context, typ proxy.UpstreamType) (*proxy.UpstreamKey, error)
	RecordSuccess(ctx context.Context, id int64, tokens int) error
	RecordFailure(ctx context.Context, id int64) error
	Unseal(k *proxy.UpstreamKey) (string, error)
}

// ClientFactory builds a dialect client for a selected upstream key.
type ClientFactory interface {
	ForKey(k *proxy.UpstreamKey, plainKey string) (upstream.Client, error)
}

// UsageTracker enforces monthly quotas and records terminal outcomes.
type UsageTracker interface {
	CheckQuota(ctx context.Context, userID int64, estTokens int) (bool, string, error)
	Record(ctx context.Context, r *proxy.UsageRecord)
}

// TokenCounter estimates the token cost of a request for admission control.
type TokenCounter interface {
	EstimateRequest(req *proxy.ChatRequest) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           proxy.Authenticator
	Limiter        RateLimiter // nil = no rate limiting
	Pool           KeyPool
	Clients        ClientFactory
	Usage          UsageTracker
	Tokens         TokenCounter
	KeyLimits      ratelimit.Limits // per-credential defaults; keys may override
	IPLimits       ratelimit.Limits // pre-auth tier
	UpstreamType   proxy.UpstreamType
	LogPromptBody  bool               // capture request bodies into audit rows
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics route
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API: IP admission runs before authentication so
	// credential-less floods never reach the database.
	r.Group(func(r chi.Router) {
		r.Use(s.ipAdmission)
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
	})

	return r
}

type server struct {
	deps Deps
}

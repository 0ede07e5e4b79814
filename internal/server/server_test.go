package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/auth"
	"github.com/ForeverLucky0901/bigModel/internal/keycipher"
	"github.com/ForeverLucky0901/bigModel/internal/keypool"
	"github.com/ForeverLucky0901/bigModel/internal/ratelimit"
	"github.com/ForeverLucky0901/bigModel/internal/testutil"
	"github.com/ForeverLucky0901/bigModel/internal/tokencount"
	"github.com/ForeverLucky0901/bigModel/internal/upstream"
	"github.com/ForeverLucky0901/bigModel/internal/usage"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	chatBody   = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	streamBody = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":true}`
)

// fakeLimiter admits everything except scopes marked as denied, and records
// the order scopes were checked in.
type fakeLimiter struct {
	mu     sync.Mutex
	deny   map[ratelimit.Scope]bool
	scopes []ratelimit.Scope
}

func (l *fakeLimiter) Check(_ context.Context, scope ratelimit.Scope, _ string, limits ratelimit.Limits, _ int64) (bool, ratelimit.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopes = append(l.scopes, scope)
	info := ratelimit.Info{LimitRPM: limits.RPM, LimitTPM: limits.TPM, ResetSeconds: 60}
	if l.deny[scope] {
		info.CurrentRequests = limits.RPM + 1
		return false, info
	}
	info.RemainingRequests = limits.RPM
	info.RemainingTokens = limits.TPM
	return true, info
}

func (l *fakeLimiter) checkedScopes() []ratelimit.Scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ratelimit.Scope, len(l.scopes))
	copy(out, l.scopes)
	return out
}

type fakeClients struct {
	up *testutil.FakeUpstream
}

func (f *fakeClients) ForKey(*proxy.UpstreamKey, string) (upstream.Client, error) {
	return f.up, nil
}

type testEnv struct {
	store   *testutil.FakeStore
	up      *testutil.FakeUpstream
	limiter *fakeLimiter
	cipher  *keycipher.Cipher
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cipher, err := keycipher.New(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	store := testutil.NewFakeStore()
	authn, err := auth.New(store)
	if err != nil {
		t.Fatal(err)
	}
	up := &testutil.FakeUpstream{}
	limiter := &fakeLimiter{deny: map[ratelimit.Scope]bool{}}

	h := New(Deps{
		Auth:         authn,
		Limiter:      limiter,
		Pool:         keypool.New(store, cipher, keypool.Config{FailureThreshold: 2, Cooldown: time.Minute}),
		Clients:      &fakeClients{up: up},
		Usage:        usage.New(store),
		Tokens:       tokencount.NewCounter(),
		KeyLimits:    ratelimit.Limits{RPM: 60, TPM: 90_000},
		IPLimits:     ratelimit.Limits{RPM: 30, TPM: 45_000},
		UpstreamType: proxy.UpstreamNative,
	})
	return &testEnv{store: store, up: up, limiter: limiter, cipher: cipher, handler: h}
}

// seedCredential creates an active user and proxy key, applying mutate
// before insertion.
func (e *testEnv) seedCredential(t *testing.T, mutate func(*proxy.User, *proxy.ProxyKey)) string {
	t.Helper()
	ctx := context.Background()
	u := &proxy.User{Username: "alice", IsActive: true, QuotaTokens: 10_000_000}
	k := &proxy.ProxyKey{Key: proxy.NewProxyKeyString(), IsActive: true}
	if mutate != nil {
		mutate(u, k)
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	k.UserID = u.ID
	if err := e.store.CreateProxyKey(ctx, k); err != nil {
		t.Fatal(err)
	}
	return k.Key
}

func (e *testEnv) seedUpstream(t *testing.T) int64 {
	t.Helper()
	sealed, err := e.cipher.Seal("sk-upstream-secret")
	if err != nil {
		t.Fatal(err)
	}
	k := &proxy.UpstreamKey{Type: proxy.UpstreamNative, SealedKey: sealed, Weight: 1}
	if err := e.store.CreateUpstreamKey(context.Background(), k); err != nil {
		t.Fatal(err)
	}
	return k.ID
}

func (e *testEnv) post(key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyzNotReady(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		ReadyCheck: func(context.Context) error { return context.DeadlineExceeded },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	upID := e.seedUpstream(t)
	respBody := `{"id":"chatcmpl-1","choices":[{"index":0}],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`
	e.up.Events = []upstream.Event{{Type: upstream.EventComplete, Data: []byte(respBody)}}

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != respBody {
		t.Errorf("body not relayed verbatim: %s", rec.Body.String())
	}

	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r0 := records[0]
	if r0.StatusCode != 200 || r0.TotalTokens != 12 || r0.Model != "gpt-4o-mini" || r0.UpstreamID != upID {
		t.Errorf("record = %+v", r0)
	}
	if r0.ClientIP != "203.0.113.7" {
		t.Errorf("client ip = %q", r0.ClientIP)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	d, err := e.store.GetDailyUsage(ctx, r0.UserID, now.Format("2006-01-02"))
	if err != nil || d.TotalRequests != 1 || d.TotalTokens != 12 {
		t.Errorf("daily rollup = %+v, %v", d, err)
	}
	m, err := e.store.GetMonthlyUsage(ctx, r0.UserID, now.Year(), int(now.Month()))
	if err != nil || m.TotalRequests != 1 || m.TotalTokens != 12 {
		t.Errorf("monthly rollup = %+v, %v", m, err)
	}

	uk, err := e.store.GetUpstreamKey(ctx, upID)
	if err != nil || uk.TotalRequests != 1 || uk.TotalTokens != 12 {
		t.Errorf("upstream totals = %+v, %v", uk, err)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	e.seedUpstream(t)
	e.up.Events = []upstream.Event{
		{Type: upstream.EventData, Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)},
		{Type: upstream.EventData, Data: []byte(`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`)},
		{Type: upstream.EventDone},
	}

	rec := e.post(key, streamBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if ab := rec.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Errorf("x-accel-buffering = %q", ab)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"Hel"}}]}`) {
		t.Errorf("missing relayed frame: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("missing DONE sentinel: %s", body)
	}

	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].TotalTokens != 7 || records[0].StatusCode != 200 {
		t.Errorf("record = %+v", records[0])
	}
}

func TestModelBlocked(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, func(_ *proxy.User, k *proxy.ProxyKey) {
		k.AllowedModels = []string{"gpt-4o-mini"}
	})
	e.seedUpstream(t)

	rec := e.post(key, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not allowed") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if n := len(e.up.Requests()); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestKeyRateLimited(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	e.seedUpstream(t)
	e.limiter.deny[ratelimit.ScopeKey] = true

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Message           string `json:"message"`
			Type              string `json:"type"`
			Code              string `json:"code"`
			RemainingRequests *int64 `json:"remaining_requests"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if envelope.Error.Type != "rate_limit_error" || envelope.Error.Code != "rate_limit_exceeded" {
		t.Errorf("envelope = %+v", envelope.Error)
	}
	if envelope.Error.RemainingRequests == nil || *envelope.Error.RemainingRequests != 0 {
		t.Errorf("remaining_requests = %v", envelope.Error.RemainingRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if n := len(e.up.Requests()); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestIPAdmissionBeforeAuth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.limiter.deny[ratelimit.ScopeIP] = true

	// No Authorization header at all: the IP tier must reject first.
	rec := e.post("", chatBody)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	scopes := e.limiter.checkedScopes()
	if len(scopes) != 1 || scopes[0] != ratelimit.ScopeIP {
		t.Errorf("scopes checked = %v", scopes)
	}
}

func TestQuotaExceeded(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, func(u *proxy.User, _ *proxy.ProxyKey) {
		u.QuotaTokens = 100
	})
	e.seedUpstream(t)

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Monthly quota exceeded. Used: 0/100") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if n := len(e.up.Requests()); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if n := len(e.store.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestPoolExhausted(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	// No upstream keys seeded.

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No healthy upstream keys available") {
		t.Errorf("body = %s", rec.Body.String())
	}
	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].ErrorType != "pool_exhausted" || records[0].StatusCode != 503 {
		t.Errorf("record = %+v", records[0])
	}
}

func TestUpstreamErrorPassthrough(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	upID := e.seedUpstream(t)
	e.up.Events = []upstream.Event{{
		Type:       upstream.EventError,
		StatusCode: http.StatusTooManyRequests,
		Err:        &upstream.APIError{StatusCode: http.StatusTooManyRequests, Body: "slow down"},
	}}

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want upstream 429 passed through", rec.Code)
	}
	records := e.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].ErrorType != "upstream_error" || records[0].StatusCode != 429 || records[0].TotalTokens != 0 {
		t.Errorf("record = %+v", records[0])
	}
	uk, _ := e.store.GetUpstreamKey(context.Background(), upID)
	if uk.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", uk.FailureCount)
	}
}

func TestBreakerTripsThroughPipeline(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	upID := e.seedUpstream(t)
	e.up.Events = []upstream.Event{{
		Type:       upstream.EventError,
		StatusCode: http.StatusInternalServerError,
		Err:        &upstream.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"},
	}}

	// Threshold is 2 in the test pool: two failures trip the breaker.
	for i := 0; i < 2; i++ {
		if rec := e.post(key, chatBody); rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	uk, _ := e.store.GetUpstreamKey(context.Background(), upID)
	if uk.Status != proxy.StatusCooldown {
		t.Fatalf("status = %q, want cooldown", uk.Status)
	}

	// With the only key cooling down, the pool is exhausted.
	if rec := e.post(key, chatBody); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after trip = %d, want 503", rec.Code)
	}
}

func TestStreamErrorInBand(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	e.seedUpstream(t)
	e.up.Events = []upstream.Event{
		{Type: upstream.EventData, Data: []byte(`{"choices":[{"delta":{"content":"par"}}]}`)},
		{Type: upstream.EventError, Err: context.DeadlineExceeded},
	}

	rec := e.post(key, streamBody)

	// Headers were committed before the failure; the error is in-band.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"upstream_error"`) {
		t.Errorf("missing error frame: %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("DONE sentinel after error: %s", body)
	}
	records := e.store.Records()
	if len(records) != 1 || records[0].ErrorType != "stream_error" {
		t.Errorf("records = %+v", records)
	}
}

func TestCipherErrorIsOpaque(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	bad := &proxy.UpstreamKey{Type: proxy.UpstreamNative, SealedKey: "not-a-ciphertext", Weight: 1}
	if err := e.store.CreateUpstreamKey(context.Background(), bad); err != nil {
		t.Fatal(err)
	}

	rec := e.post(key, chatBody)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Internal server error") {
		t.Errorf("cipher details leaked: %s", rec.Body.String())
	}
	records := e.store.Records()
	if len(records) != 1 || records[0].ErrorType != "cipher_error" {
		t.Errorf("records = %+v", records)
	}
	uk, _ := e.store.GetUpstreamKey(context.Background(), bad.ID)
	if uk.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", uk.FailureCount)
	}
}

func TestInvalidRequestBodies(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	key := e.seedCredential(t, nil)
	e.seedUpstream(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"missing messages", `{"model":"gpt-4o-mini"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.post(key, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	inactiveUserKey := e.seedCredential(t, func(u *proxy.User, _ *proxy.ProxyKey) {
		u.Username = "bob"
		u.IsActive = false
	})

	rec := e.post("", chatBody)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credential: status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid API key") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = e.post(inactiveUserKey, chatBody)
	if rec.Code != http.StatusForbidden {
		t.Errorf("inactive user: status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "User is inactive") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPromptBodyCapture(t *testing.T) {
	t.Parallel()
	cipher, err := keycipher.New(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	store := testutil.NewFakeStore()
	authn, err := auth.New(store)
	if err != nil {
		t.Fatal(err)
	}
	up := &testutil.FakeUpstream{Events: []upstream.Event{
		{Type: upstream.EventComplete, Data: []byte(`{"usage":{"total_tokens":1}}`)},
	}}
	h := New(Deps{
		Auth:          authn,
		Pool:          keypool.New(store, cipher, keypool.DefaultConfig()),
		Clients:       &fakeClients{up: up},
		Usage:         usage.New(store),
		Tokens:        tokencount.NewCounter(),
		UpstreamType:  proxy.UpstreamNative,
		LogPromptBody: true,
	})
	e := &testEnv{store: store, up: up, cipher: cipher, handler: h}
	key := e.seedCredential(t, nil)
	e.seedUpstream(t)

	if rec := e.post(key, chatBody); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	records := store.Records()
	if len(records) != 1 || records[0].RequestBody != chatBody {
		t.Errorf("captured body = %q", records[0].RequestBody)
	}
}

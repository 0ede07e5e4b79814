package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store) *proxy.User {
	t.Helper()
	u := &proxy.User{
		Username:    "alice",
		Email:       "alice@example.com",
		IsActive:    true,
		QuotaTokens: 1_000_000,
		QuotaAmount: 10,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal("create user:", err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s)
	if u.ID == 0 {
		t.Fatal("CreateUser did not assign an id")
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Username != "alice" || !got.IsActive || got.QuotaTokens != 1_000_000 {
		t.Errorf("got %+v", got)
	}

	byName, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal("get by username:", err)
	}
	if byName.ID != u.ID {
		t.Errorf("id = %d, want %d", byName.ID, u.ID)
	}

	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, proxy.ErrNotFound) {
		t.Errorf("missing user err = %v, want ErrNotFound", err)
	}
}

func TestProxyKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s)
	rpm := int64(10)
	k := &proxy.ProxyKey{
		Key:           proxy.NewProxyKeyString(),
		UserID:        u.ID,
		Name:          "ci",
		IsActive:      true,
		AllowedModels: []string{"gpt-4o"},
		RPMLimit:      &rpm,
	}
	if err := s.CreateProxyKey(ctx, k); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetProxyKey(ctx, k.Key)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.UserID != u.ID || !got.IsActive {
		t.Errorf("got %+v", got)
	}
	if len(got.AllowedModels) != 1 || got.AllowedModels[0] != "gpt-4o" {
		t.Errorf("allowed models = %v", got.AllowedModels)
	}
	if got.RPMLimit == nil || *got.RPMLimit != 10 {
		t.Errorf("rpm limit = %v, want 10", got.RPMLimit)
	}
	if got.TPMLimit != nil {
		t.Errorf("tpm limit = %v, want nil", got.TPMLimit)
	}

	if _, err := s.GetProxyKey(ctx, "sk-proxy-unknown"); !errors.Is(err, proxy.ErrNotFound) {
		t.Errorf("missing key err = %v, want ErrNotFound", err)
	}
}

func TestUpstreamKeyLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k := &proxy.UpstreamKey{Type: proxy.UpstreamNative, SealedKey: "sealed", Weight: 3}
	if err := s.CreateUpstreamKey(ctx, k); err != nil {
		t.Fatal("create:", err)
	}
	if k.Status != proxy.StatusHealthy {
		t.Fatalf("status = %q, want healthy", k.Status)
	}

	keys, err := s.ListSelectableKeys(ctx, proxy.UpstreamNative)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 || keys[0].Weight != 3 {
		t.Fatalf("selectable = %+v", keys)
	}

	// Failures accumulate without changing status.
	for i := 1; i <= 3; i++ {
		count, status, err := s.RecordKeyFailure(ctx, k.ID, time.Now())
		if err != nil {
			t.Fatal("failure:", err)
		}
		if count != i || status != proxy.StatusHealthy {
			t.Fatalf("after failure %d: count=%d status=%q", i, count, status)
		}
	}

	// Trip to cooldown; second trip is a no-op.
	until := time.Now().Add(5 * time.Minute)
	tripped, err := s.TripUpstreamKey(ctx, k.ID, until)
	if err != nil || !tripped {
		t.Fatalf("trip = %v, %v", tripped, err)
	}
	tripped, err = s.TripUpstreamKey(ctx, k.ID, until)
	if err != nil || tripped {
		t.Fatalf("second trip = %v, %v, want no-op", tripped, err)
	}

	got, err := s.GetUpstreamKey(ctx, k.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Status != proxy.StatusCooldown || got.CooldownUntil == nil {
		t.Fatalf("after trip: %+v", got)
	}
	if got.FailureCount != 3 || got.TotalErrors != 3 {
		t.Errorf("failure_count=%d total_errors=%d, want 3/3", got.FailureCount, got.TotalErrors)
	}

	// Cooling-down keys remain listed; selection filters by deadline.
	keys, _ = s.ListSelectableKeys(ctx, proxy.UpstreamNative)
	if len(keys) != 1 {
		t.Fatalf("selectable during cooldown = %d, want 1", len(keys))
	}

	// Recovery is idempotent.
	ok, err := s.RecoverUpstreamKey(ctx, k.ID)
	if err != nil || !ok {
		t.Fatalf("recover = %v, %v", ok, err)
	}
	ok, err = s.RecoverUpstreamKey(ctx, k.ID)
	if err != nil || ok {
		t.Fatalf("second recover = %v, %v, want no-op", ok, err)
	}
	got, _ = s.GetUpstreamKey(ctx, k.ID)
	if got.Status != proxy.StatusHealthy || got.FailureCount != 0 || got.CooldownUntil != nil {
		t.Fatalf("after recover: %+v", got)
	}

	// Success resets the failure count and bumps totals.
	s.RecordKeyFailure(ctx, k.ID, time.Now())
	if err := s.RecordKeySuccess(ctx, k.ID, 120); err != nil {
		t.Fatal("success:", err)
	}
	got, _ = s.GetUpstreamKey(ctx, k.ID)
	if got.FailureCount != 0 || got.TotalRequests != 1 || got.TotalTokens != 120 {
		t.Errorf("after success: %+v", got)
	}

	counts, err := s.CountKeysByStatus(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	if counts[proxy.StatusHealthy] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecordUsageRollups(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rec := func(id string, tokens int, status int) *proxy.UsageRecord {
		return &proxy.UsageRecord{
			ID: id, UserID: u.ID, Model: "gpt-4o",
			TotalTokens: tokens, StatusCode: status, CreatedAt: now,
		}
	}
	if err := s.RecordUsage(ctx, rec("r1", 100, 200)); err != nil {
		t.Fatal("record:", err)
	}
	// Failed requests are recorded too, with zero tokens.
	if err := s.RecordUsage(ctx, rec("r2", 0, 503)); err != nil {
		t.Fatal("record:", err)
	}
	if err := s.RecordUsage(ctx, rec("r3", 50, 200)); err != nil {
		t.Fatal("record:", err)
	}

	daily, err := s.GetDailyUsage(ctx, u.ID, "2026-08-24")
	if err != nil {
		t.Fatal("daily:", err)
	}
	if daily.TotalRequests != 3 || daily.TotalTokens != 150 {
		t.Errorf("daily = %+v, want 3 requests / 150 tokens", daily)
	}

	monthly, err := s.GetMonthlyUsage(ctx, u.ID, 2026, 8)
	if err != nil {
		t.Fatal("monthly:", err)
	}
	if monthly.TotalRequests != 3 || monthly.TotalTokens != 150 {
		t.Errorf("monthly = %+v, want 3 requests / 150 tokens", monthly)
	}

	if _, err := s.GetMonthlyUsage(ctx, u.ID, 2026, 7); !errors.Is(err, proxy.ErrNotFound) {
		t.Errorf("empty month err = %v, want ErrNotFound", err)
	}

	// Duplicate audit ids must fail and leave rollups untouched.
	if err := s.RecordUsage(ctx, rec("r1", 10, 200)); err == nil {
		t.Fatal("duplicate id accepted")
	}
	monthly, _ = s.GetMonthlyUsage(ctx, u.ID, 2026, 8)
	if monthly.TotalRequests != 3 || monthly.TotalTokens != 150 {
		t.Errorf("rollup changed after failed insert: %+v", monthly)
	}
}

// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Mutation methods mirror the SQLite state transitions.
type FakeStore struct {
	mu           sync.RWMutex
	users        map[int64]*proxy.User
	proxyKeys    map[string]*proxy.ProxyKey
	upstreamKeys map[int64]*proxy.UpstreamKey
	records      []*proxy.UsageRecord
	monthly      map[string]*proxy.UsageMonthly
	daily        map[string]*proxy.UsageDaily

	nextUserID     int64
	nextProxyKeyID int64
	nextUpstreamID int64

	// RecordErr, when set, fails RecordUsage that many times.
	RecordErr int
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:        make(map[int64]*proxy.User),
		proxyKeys:    make(map[string]*proxy.ProxyKey),
		upstreamKeys: make(map[int64]*proxy.UpstreamKey),
		monthly:      make(map[string]*proxy.UsageMonthly),
		daily:        make(map[string]*proxy.UsageDaily),
	}
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *proxy.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return proxy.ErrConflict
		}
	}
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id int64) (*proxy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	return u, nil
}

func (s *FakeStore) GetUserByUsername(_ context.Context, username string) (*proxy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, proxy.ErrNotFound
}

// --- ProxyKeyStore ---

func (s *FakeStore) CreateProxyKey(_ context.Context, k *proxy.ProxyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxyKeys[k.Key]; ok {
		return proxy.ErrConflict
	}
	s.nextProxyKeyID++
	k.ID = s.nextProxyKeyID
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.proxyKeys[k.Key] = k
	return nil
}

func (s *FakeStore) GetProxyKey(_ context.Context, key string) (*proxy.ProxyKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.proxyKeys[key]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	return k, nil
}

// --- UpstreamKeyStore ---

func (s *FakeStore) CreateUpstreamKey(_ context.Context, k *proxy.UpstreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUpstreamID++
	k.ID = s.nextUpstreamID
	if k.Status == "" {
		k.Status = proxy.StatusHealthy
	}
	if k.Weight == 0 {
		k.Weight = 1
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.upstreamKeys[k.ID] = k
	return nil
}

func (s *FakeStore) GetUpstreamKey(_ context.Context, id int64) (*proxy.UpstreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.upstreamKeys[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) ListSelectableKeys(_ context.Context, typ proxy.UpstreamType) ([]*proxy.UpstreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proxy.UpstreamKey
	for id := int64(1); id <= s.nextUpstreamID; id++ {
		k, ok := s.upstreamKeys[id]
		if !ok || k.Type != typ || k.Status == proxy.StatusDisabled {
			continue
		}
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) RecoverUpstreamKey(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.upstreamKeys[id]
	if !ok || k.Status != proxy.StatusCooldown {
		return false, nil
	}
	k.Status = proxy.StatusHealthy
	k.FailureCount = 0
	k.CooldownUntil = nil
	return true, nil
}

func (s *FakeStore) RecordKeySuccess(_ context.Context, id int64, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.upstreamKeys[id]
	if !ok {
		return proxy.ErrNotFound
	}
	k.FailureCount = 0
	k.TotalRequests++
	k.TotalTokens += int64(tokens)
	return nil
}

func (s *FakeStore) RecordKeyFailure(_ context.Context, id int64, at time.Time) (int, proxy.KeyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.upstreamKeys[id]
	if !ok {
		return 0, "", proxy.ErrNotFound
	}
	k.FailureCount++
	k.TotalErrors++
	k.LastFailureAt = &at
	return k.FailureCount, k.Status, nil
}

func (s *FakeStore) TripUpstreamKey(_ context.Context, id int64, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.upstreamKeys[id]
	if !ok || k.Status != proxy.StatusHealthy {
		return false, nil
	}
	k.Status = proxy.StatusCooldown
	k.CooldownUntil = &until
	return true, nil
}

func (s *FakeStore) CountKeysByStatus(context.Context) (map[proxy.KeyStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[proxy.KeyStatus]int)
	for _, k := range s.upstreamKeys {
		out[k.Status]++
	}
	return out, nil
}

// --- UsageStore ---

func (s *FakeStore) RecordUsage(_ context.Context, r *proxy.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr > 0 {
		s.RecordErr--
		return fmt.Errorf("database is locked")
	}
	s.records = append(s.records, r)

	created := r.CreatedAt.UTC()
	dk := fmt.Sprintf("%d/%s", r.UserID, created.Format("2006-01-02"))
	d := s.daily[dk]
	if d == nil {
		d = &proxy.UsageDaily{UserID: r.UserID, Date: created.Format("2006-01-02")}
		s.daily[dk] = d
	}
	d.TotalRequests++
	d.TotalTokens += int64(r.TotalTokens)

	mk := fmt.Sprintf("%d/%04d-%02d", r.UserID, created.Year(), int(created.Month()))
	m := s.monthly[mk]
	if m == nil {
		m = &proxy.UsageMonthly{UserID: r.UserID, Year: created.Year(), Month: int(created.Month())}
		s.monthly[mk] = m
	}
	m.TotalRequests++
	m.TotalTokens += int64(r.TotalTokens)
	return nil
}

func (s *FakeStore) GetDailyUsage(_ context.Context, userID int64, date string) (*proxy.UsageDaily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.daily[fmt.Sprintf("%d/%s", userID, date)]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	return d, nil
}

func (s *FakeStore) GetMonthlyUsage(_ context.Context, userID int64, year, month int) (*proxy.UsageMonthly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monthly[fmt.Sprintf("%d/%04d-%02d", userID, year, month)]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	return m, nil
}

// Records returns a snapshot of recorded usage rows.
func (s *FakeStore) Records() []*proxy.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*proxy.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }

// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// UserStore manages user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *proxy.User) error
	GetUser(ctx context.Context, id int64) (*proxy.User, error)
	GetUserByUsername(ctx context.Context, username string) (*proxy.User, error)
}

// ProxyKeyStore manages proxy credentials.
type ProxyKeyStore interface {
	CreateProxyKey(ctx context.Context, k *proxy.ProxyKey) error
	GetProxyKey(ctx context.Context, key string) (*proxy.ProxyKey, error)
}

// UpstreamKeyStore manages upstream provider keys and their breaker state.
type UpstreamKeyStore interface {
	CreateUpstreamKey(ctx context.Context, k *proxy.UpstreamKey) error
	GetUpstreamKey(ctx context.Context, id int64) (*proxy.UpstreamKey, error)
	// ListSelectableKeys returns healthy and cooling-down keys of the given
	// type in stable id order. Disabled keys are never returned.
	ListSelectableKeys(ctx context.Context, typ proxy.UpstreamType) ([]*proxy.UpstreamKey, error)
	// RecoverUpstreamKey moves a key from cooldown back to healthy and
	// clears its failure state. Reports whether a row actually changed, so
	// concurrent recoveries stay idempotent.
	RecoverUpstreamKey(ctx context.Context, id int64) (bool, error)
	// RecordKeySuccess resets the failure count and bumps the usage totals.
	RecordKeySuccess(ctx context.Context, id int64, tokens int) error
	// RecordKeyFailure increments failure and error counters and returns
	// the post-increment failure count and current status.
	RecordKeyFailure(ctx context.Context, id int64, at time.Time) (int, proxy.KeyStatus, error)
	// TripUpstreamKey moves a healthy key into cooldown until the given
	// time. Reports whether the row changed (false if already tripped or
	// administratively disabled).
	TripUpstreamKey(ctx context.Context, id int64, until time.Time) (bool, error)
	CountKeysByStatus(ctx context.Context) (map[proxy.KeyStatus]int, error)
}

// UsageStore manages audit rows and rollups.
type UsageStore interface {
	// RecordUsage writes the audit row and increments the daily and monthly
	// rollups for the record's user in a single transaction.
	RecordUsage(ctx context.Context, r *proxy.UsageRecord) error
	GetDailyUsage(ctx context.Context, userID int64, date string) (*proxy.UsageDaily, error)
	GetMonthlyUsage(ctx context.Context, userID int64, year, month int) (*proxy.UsageMonthly, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	ProxyKeyStore
	UpstreamKeyStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}

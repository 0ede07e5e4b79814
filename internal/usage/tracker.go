// Package usage accounts for every terminal request outcome and enforces
// monthly token quotas.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*proxy.User, error)
	GetMonthlyUsage(ctx context.Context, userID int64, year, month int) (*proxy.UsageMonthly, error)
	RecordUsage(ctx context.Context, r *proxy.UsageRecord) error
}

// Tracker checks quotas before dispatch and records outcomes after.
type Tracker struct {
	store Store
	now   func() time.Time
}

// New returns a Tracker over the given store.
func New(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// CheckQuota reports whether the user may spend estTokens more this month.
// A denial comes with a client-facing reason. The error return is reserved
// for storage failures.
func (t *Tracker) CheckQuota(ctx context.Context, userID int64, estTokens int) (bool, string, error) {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			return false, "User not found", nil
		}
		return false, "", err
	}
	if !user.IsActive {
		return false, "User is inactive", nil
	}

	now := t.now().UTC()
	var used int64
	monthly, err := t.store.GetMonthlyUsage(ctx, userID, now.Year(), int(now.Month()))
	switch {
	case err == nil:
		used = monthly.TotalTokens
	case errors.Is(err, proxy.ErrNotFound):
		// No usage yet this month.
	default:
		return false, "", err
	}

	if used+int64(estTokens) > user.QuotaTokens {
		return false, fmt.Sprintf("Monthly quota exceeded. Used: %d/%d", used, user.QuotaTokens), nil
	}
	return true, "", nil
}

// Record assigns the audit row an id and persists it with its rollups.
// SQLite can report transient busy errors under writer contention, so one
// retry is taken before giving up. Accounting failures never affect the
// client response; they are logged and dropped.
func (t *Tracker) Record(ctx context.Context, r *proxy.UsageRecord) {
	if r.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			r.ID = id.String()
		} else {
			r.ID = uuid.NewString()
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.now().UTC()
	}

	err := t.store.RecordUsage(ctx, r)
	if err != nil {
		err = t.store.RecordUsage(ctx, r)
	}
	if err != nil {
		slog.Error("usage record dropped",
			"record_id", r.ID, "user_id", r.UserID, "model", r.Model, "error", err)
	}
}

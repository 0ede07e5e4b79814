package sqlite

import (
	"context"
	"database/sql"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// RecordUsage writes the audit row and increments both rollups for the
// record's user in a single transaction. Either all three land or none do.
func (s *Store) RecordUsage(ctx context.Context, r *proxy.UsageRecord) error {
	created := r.CreatedAt.UTC()
	day := created.Format("2006-01-02")
	year, month := created.Year(), int(created.Month())

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_records
		 (id, user_id, key_id, upstream_id, model, prompt_tokens, completion_tokens, total_tokens,
		  status_code, latency_ms, client_ip, user_agent, request_body, error_type, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, nullInt(r.KeyID), nullInt(r.UpstreamID), r.Model,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.StatusCode, r.LatencyMs, nullStr(r.ClientIP), nullStr(r.UserAgent),
		nullStr(r.RequestBody), nullStr(r.ErrorType), nullStr(r.ErrorMessage),
		created.Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_daily (user_id, date, total_requests, total_tokens)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(user_id, date) DO UPDATE SET
		 total_requests = total_requests + 1,
		 total_tokens = total_tokens + excluded.total_tokens`,
		r.UserID, day, r.TotalTokens,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_monthly (user_id, year, month, total_requests, total_tokens)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(user_id, year, month) DO UPDATE SET
		 total_requests = total_requests + 1,
		 total_tokens = total_tokens + excluded.total_tokens`,
		r.UserID, year, month, r.TotalTokens,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetDailyUsage returns the rollup for one user and day, or ErrNotFound.
func (s *Store) GetDailyUsage(ctx context.Context, userID int64, date string) (*proxy.UsageDaily, error) {
	d := proxy.UsageDaily{UserID: userID, Date: date}
	err := s.read.QueryRowContext(ctx,
		`SELECT total_requests, total_tokens FROM usage_daily WHERE user_id = ? AND date = ?`,
		userID, date,
	).Scan(&d.TotalRequests, &d.TotalTokens)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &d, nil
}

// GetMonthlyUsage returns the rollup for one user and month, or ErrNotFound.
func (s *Store) GetMonthlyUsage(ctx context.Context, userID int64, year, month int) (*proxy.UsageMonthly, error) {
	m := proxy.UsageMonthly{UserID: userID, Year: year, Month: month}
	err := s.read.QueryRowContext(ctx,
		`SELECT total_requests, total_tokens FROM usage_monthly WHERE user_id = ? AND year = ? AND month = ?`,
		userID, year, month,
	).Scan(&m.TotalRequests, &m.TotalTokens)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &m, nil
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

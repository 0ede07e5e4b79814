package sqlite

import (
	"context"
	"database/sql"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

const upstreamCols = `id, type, sealed_key, endpoint, deployment, api_version, weight, status,
	 failure_count, last_failure_at, cooldown_until, total_requests, total_tokens, total_errors,
	 notes, created_at`

// CreateUpstreamKey inserts a new upstream key and assigns its row id.
func (s *Store) CreateUpstreamKey(ctx context.Context, k *proxy.UpstreamKey) error {
	if k.Status == "" {
		k.Status = proxy.StatusHealthy
	}
	if k.Weight == 0 {
		k.Weight = 1
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO upstream_keys (type, sealed_key, endpoint, deployment, api_version, weight, status,
		 failure_count, last_failure_at, cooldown_until, total_requests, total_tokens, total_errors, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(k.Type), k.SealedKey, nullStr(k.Endpoint), nullStr(k.Deployment), nullStr(k.APIVersion),
		k.Weight, string(k.Status), k.FailureCount, timeToStr(k.LastFailureAt), timeToStr(k.CooldownUntil),
		k.TotalRequests, k.TotalTokens, k.TotalErrors, nullStr(k.Notes), k.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	k.ID, err = res.LastInsertId()
	return err
}

// GetUpstreamKey retrieves an upstream key by id.
func (s *Store) GetUpstreamKey(ctx context.Context, id int64) (*proxy.UpstreamKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+upstreamCols+` FROM upstream_keys WHERE id = ?`, id,
	)
	return scanUpstreamKey(row)
}

// ListSelectableKeys returns healthy and cooling-down keys of the given type
// in id order. Disabled keys stay out of rotation entirely.
func (s *Store) ListSelectableKeys(ctx context.Context, typ proxy.UpstreamType) ([]*proxy.UpstreamKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+upstreamCols+` FROM upstream_keys
		 WHERE type = ? AND status IN ('healthy', 'cooldown') ORDER BY id`, string(typ),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*proxy.UpstreamKey
	for rows.Next() {
		k, err := scanUpstreamKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RecoverUpstreamKey moves a cooling-down key back to healthy and clears its
// failure state. The WHERE clause makes concurrent recoveries idempotent:
// only one caller observes a changed row.
func (s *Store) RecoverUpstreamKey(ctx context.Context, id int64) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET status='healthy', failure_count=0, cooldown_until=NULL
		 WHERE id = ? AND status = 'cooldown'`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordKeySuccess resets the failure count and bumps the usage totals.
func (s *Store) RecordKeySuccess(ctx context.Context, id int64, tokens int) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET failure_count=0,
		 total_requests=total_requests+1, total_tokens=total_tokens+?
		 WHERE id = ?`, tokens, id,
	)
	return err
}

// RecordKeyFailure increments the failure and error counters and returns the
// post-increment failure count with the key's current status.
func (s *Store) RecordKeyFailure(ctx context.Context, id int64, at time.Time) (int, proxy.KeyStatus, error) {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET failure_count=failure_count+1,
		 total_errors=total_errors+1, last_failure_at=?
		 WHERE id = ?`, at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return 0, "", err
	}
	var count int
	var status string
	err = s.write.QueryRowContext(ctx,
		`SELECT failure_count, status FROM upstream_keys WHERE id = ?`, id,
	).Scan(&count, &status)
	if err != nil {
		return 0, "", notFoundErr(err)
	}
	return count, proxy.KeyStatus(status), nil
}

// TripUpstreamKey moves a healthy key into cooldown until the given time.
// Disabled keys and keys already in cooldown are left untouched.
func (s *Store) TripUpstreamKey(ctx context.Context, id int64, until time.Time) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET status='cooldown', cooldown_until=?
		 WHERE id = ? AND status = 'healthy'`,
		until.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountKeysByStatus returns the number of upstream keys per status.
func (s *Store) CountKeysByStatus(ctx context.Context) (map[proxy.KeyStatus]int, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM upstream_keys GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[proxy.KeyStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[proxy.KeyStatus(status)] = n
	}
	return out, rows.Err()
}

func scanUpstreamKey(sc scanner) (*proxy.UpstreamKey, error) {
	var k proxy.UpstreamKey
	var typ, status string
	var endpoint, deployment, apiVersion, notes sql.NullString
	var lastFailure, cooldownUntil, createdAt sql.NullString

	err := sc.Scan(&k.ID, &typ, &k.SealedKey, &endpoint, &deployment, &apiVersion,
		&k.Weight, &status, &k.FailureCount, &lastFailure, &cooldownUntil,
		&k.TotalRequests, &k.TotalTokens, &k.TotalErrors, &notes, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Type = proxy.UpstreamType(typ)
	k.Status = proxy.KeyStatus(status)
	k.Endpoint = endpoint.String
	k.Deployment = deployment.String
	k.APIVersion = apiVersion.String
	k.Notes = notes.String
	k.LastFailureAt = parseTime(lastFailure)
	k.CooldownUntil = parseTime(cooldownUntil)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// CreateUser inserts a new user and assigns its row id.
func (s *Store) CreateUser(ctx context.Context, u *proxy.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO users (username, email, is_active, is_admin, quota_tokens, quota_amount, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, nullStr(u.Email), boolToInt(u.IsActive), boolToInt(u.IsAdmin),
		u.QuotaTokens, u.QuotaAmount, nullStr(u.Notes), u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*proxy.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, email, is_active, is_admin, quota_tokens, quota_amount, notes, created_at
		 FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*proxy.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, email, is_active, is_admin, quota_tokens, quota_amount, notes, created_at
		 FROM users WHERE username = ?`, username,
	)
	return scanUser(row)
}

func scanUser(sc scanner) (*proxy.User, error) {
	var u proxy.User
	var email, notes, createdAt sql.NullString
	var active, admin int

	err := sc.Scan(&u.ID, &u.Username, &email, &active, &admin,
		&u.QuotaTokens, &u.QuotaAmount, &notes, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Email = email.String
	u.Notes = notes.String
	u.IsActive = active != 0
	u.IsAdmin = admin != 0
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to proxy.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return proxy.ErrNotFound
	}
	return err
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	// Check for empty slice
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

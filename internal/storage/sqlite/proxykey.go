package sqlite

import (
	"context"
	"database/sql"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// CreateProxyKey inserts a new proxy credential and assigns its row id.
func (s *Store) CreateProxyKey(ctx context.Context, k *proxy.ProxyKey) error {
	models, err := marshalJSON(k.AllowedModels)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO proxy_keys (key, user_id, name, is_active, allowed_models, rpm_limit, tpm_limit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Key, k.UserID, nullStr(k.Name), boolToInt(k.IsActive),
		models, k.RPMLimit, k.TPMLimit, k.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	k.ID, err = res.LastInsertId()
	return err
}

// GetProxyKey retrieves a credential by its key string.
func (s *Store) GetProxyKey(ctx context.Context, key string) (*proxy.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key, user_id, name, is_active, allowed_models, rpm_limit, tpm_limit, created_at
		 FROM proxy_keys WHERE key = ?`, key,
	)
	return scanProxyKey(row)
}

func scanProxyKey(sc scanner) (*proxy.ProxyKey, error) {
	var k proxy.ProxyKey
	var name, modelsJSON, createdAt sql.NullString
	var active int

	err := sc.Scan(&k.ID, &k.Key, &k.UserID, &name, &active,
		&modelsJSON, &k.RPMLimit, &k.TPMLimit, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Name = name.String
	k.IsActive = active != 0

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	k.AllowedModels = models
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

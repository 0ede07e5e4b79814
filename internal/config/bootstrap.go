// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/keycipher"
	"github.com/ForeverLucky0901/bigModel/internal/storage"
)

// Bootstrap seeds the database from the config file on first run: upstream
// keys are sealed and inserted when the pool is empty, and the admin user
// gets created with a fresh credential.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *keycipher.Cipher) error {
	if err := seedUpstreamKeys(ctx, cfg, store, cipher); err != nil {
		return err
	}
	return seedAdminUser(ctx, cfg, store)
}

func seedUpstreamKeys(ctx context.Context, cfg *Config, store storage.Store, cipher *keycipher.Cipher) error {
	if len(cfg.Bootstrap.UpstreamKeys) == 0 {
		return nil
	}
	// Seed only an empty pool: config entries have no stable identity to
	// reconcile against, and re-sealing on every start would duplicate rows.
	counts, err := store.CountKeysByStatus(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: count upstream keys: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		return nil
	}

	for i, entry := range cfg.Bootstrap.UpstreamKeys {
		if entry.Key == "" {
			continue
		}
		sealed, err := cipher.Seal(entry.Key)
		if err != nil {
			return fmt.Errorf("bootstrap: seal upstream key %d: %w", i, err)
		}
		k := &proxy.UpstreamKey{
			Type:       proxy.UpstreamType(entry.Type),
			SealedKey:  sealed,
			Endpoint:   entry.Endpoint,
			Deployment: entry.Deployment,
			APIVersion: entry.APIVersion,
			Weight:     max(1, entry.Weight),
			Status:     proxy.StatusHealthy,
			Notes:      entry.Notes,
		}
		if k.Type == "" {
			k.Type = cfg.UpstreamType()
		}
		if err := store.CreateUpstreamKey(ctx, k); err != nil {
			return fmt.Errorf("bootstrap: create upstream key %d: %w", i, err)
		}
		slog.Info("bootstrapped upstream key", "key_id", k.ID, "type", string(k.Type), "weight", k.Weight)
	}
	return nil
}

func seedAdminUser(ctx context.Context, cfg *Config, store storage.Store) error {
	username := cfg.Bootstrap.AdminUsername
	if username == "" {
		return nil
	}
	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, proxy.ErrNotFound) {
		return fmt.Errorf("bootstrap: look up admin user: %w", err)
	}

	admin := &proxy.User{
		Username:    username,
		IsActive:    true,
		IsAdmin:     true,
		QuotaTokens: cfg.Quota.DefaultMonthlyTokens,
		QuotaAmount: cfg.Quota.DefaultMonthlyAmount,
	}
	if err := store.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("bootstrap: create admin user: %w", err)
	}

	key := &proxy.ProxyKey{
		Key:      proxy.NewProxyKeyString(),
		UserID:   admin.ID,
		Name:     "bootstrap",
		IsActive: true,
	}
	if err := store.CreateProxyKey(ctx, key); err != nil {
		return fmt.Errorf("bootstrap: create admin credential: %w", err)
	}
	// Logged exactly once, at creation. There is no other way to retrieve it.
	slog.Info("bootstrapped admin user", "username", username, "key", key.Key)
	return nil
}

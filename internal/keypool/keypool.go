// Package keypool selects upstream provider keys and maintains their
// breaker state.
//
// Keys rotate through three states: healthy keys serve traffic, cooldown
// keys sit out until their deadline passes (recovery is lazy, performed
// during selection), and disabled keys are administrative and never touched
// here. Selection is weighted random over the healthy set.
package keypool

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/keycipher"
)

// Store is the persistence surface the pool needs.
type Store interface {
	ListSelectableKeys(ctx context.Context, typ proxy.UpstreamType) ([]*proxy.UpstreamKey, error)
	RecoverUpstreamKey(ctx context.Context, id int64) (bool, error)
	RecordKeySuccess(ctx context.Context, id int64, tokens int) error
	RecordKeyFailure(ctx context.Context, id int64, at time.Time) (int, proxy.KeyStatus, error)
	TripUpstreamKey(ctx context.Context, id int64, until time.Time) (bool, error)
}

// Config tunes the failure breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips a key
	// into cooldown.
	FailureThreshold int
	// Cooldown is how long a tripped key sits out.
	Cooldown time.Duration
}

// DefaultConfig returns the stock breaker tuning.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 5 * time.Minute}
}

// Pool hands out upstream keys and records per-key outcomes.
type Pool struct {
	store  Store
	cipher *keycipher.Cipher
	cfg    Config

	now    func() time.Time
	randFn func() float64
}

// New returns a Pool over the given store and cipher.
func New(store Store, cipher *keycipher.Cipher, cfg Config) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Pool{
		store:  store,
		cipher: cipher,
		cfg:    cfg,
		now:    time.Now,
		randFn: rand.Float64,
	}
}

// Select picks one usable key of the given type, recovering expired
// cooldowns on the way. Returns proxy.ErrNoUpstream when nothing is usable.
func (p *Pool) Select(ctx context.Context, typ proxy.UpstreamType) (*proxy.UpstreamKey, error) {
	keys, err := p.store.ListSelectableKeys(ctx, typ)
	if err != nil {
		return nil, err
	}

	now := p.now()
	healthy := make([]*proxy.UpstreamKey, 0, len(keys))
	for _, k := range keys {
		if k.Status == proxy.StatusCooldown {
			if k.CooldownUntil != nil && now.Before(*k.CooldownUntil) {
				continue
			}
			recovered, err := p.store.RecoverUpstreamKey(ctx, k.ID)
			if err != nil {
				slog.Warn("upstream key recovery failed", "key_id", k.ID, "error", err)
				continue
			}
			if recovered {
				slog.Info("upstream key recovered from cooldown", "key_id", k.ID)
			}
			// Recovered here or by a concurrent selection; either way usable.
			k.Status = proxy.StatusHealthy
			k.FailureCount = 0
			k.CooldownUntil = nil
		}
		healthy = append(healthy, k)
	}
	if len(healthy) == 0 {
		return nil, proxy.ErrNoUpstream
	}
	return p.pick(healthy), nil
}

// pick draws from the healthy set proportionally to weight. With all
// weights zero the draw degrades to uniform; with a positive total,
// zero-weight keys are unreachable.
func (p *Pool) pick(healthy []*proxy.UpstreamKey) *proxy.UpstreamKey {
	total := 0
	for _, k := range healthy {
		total += k.Weight
	}
	if total <= 0 {
		return healthy[int(p.randFn()*float64(len(healthy)))%len(healthy)]
	}
	r := p.randFn() * float64(total)
	cum := 0.0
	for _, k := range healthy {
		cum += float64(k.Weight)
		if r < cum {
			return k
		}
	}
	return healthy[len(healthy)-1]
}

// RecordSuccess clears the key's failure streak and adds the served tokens
// to its totals.
func (p *Pool) RecordSuccess(ctx context.Context, id int64, tokens int) error {
	return p.store.RecordKeySuccess(ctx, id, tokens)
}

// RecordFailure counts one failure against the key and trips it into
// cooldown once the streak reaches the threshold.
func (p *Pool) RecordFailure(ctx context.Context, id int64) error {
	count, status, err := p.store.RecordKeyFailure(ctx, id, p.now())
	if err != nil {
		return err
	}
	if count < p.cfg.FailureThreshold || status != proxy.StatusHealthy {
		return nil
	}
	until := p.now().Add(p.cfg.Cooldown)
	tripped, err := p.store.TripUpstreamKey(ctx, id, until)
	if err != nil {
		return err
	}
	if tripped {
		slog.Warn("upstream key entered cooldown",
			"key_id", id, "failures", count, "until", until)
	}
	return nil
}

// Unseal decrypts the key's provider secret.
func (p *Pool) Unseal(k *proxy.UpstreamKey) (string, error) {
	return p.cipher.Unseal(k.SealedKey)
}

// Package ratelimit enforces fixed-window request and token limits backed by
// a shared Redis, so counters hold across proxy instances.
//
// Counters live at rate_limit:{scope}:{identifier}:{rpm|tpm} with a 60 s TTL
// set on the window's first increment. Redis trouble never rejects traffic:
// the check fails open and flags the result instead.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the fixed counting window.
const Window = 60 * time.Second

// Scope namespaces counters by what the identifier is.
type Scope string

const (
	ScopeIP  Scope = "ip"
	ScopeKey Scope = "key"
)

// Client is the subset of redis commands the limiter issues.
// *redis.Client satisfies it.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Limits is the pair of per-window ceilings for one identifier.
type Limits struct {
	RPM int64
	TPM int64
}

// Info describes the window state after a check. It is embedded verbatim in
// 429 response bodies.
type Info struct {
	RemainingRequests int64  `json:"remaining_requests"`
	RemainingTokens   int64  `json:"remaining_tokens"`
	CurrentRequests   int64  `json:"current_requests"`
	CurrentTokens     int64  `json:"current_tokens"`
	LimitRPM          int64  `json:"limit_rpm"`
	LimitTPM          int64  `json:"limit_tpm"`
	ResetSeconds      int64  `json:"reset_seconds"`
	Err               string `json:"error,omitempty"` // set when the check failed open
}

// Limiter checks fixed-window counters in Redis.
type Limiter struct {
	rdb Client
}

// New returns a Limiter on the given Redis client.
func New(rdb Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Check counts this request against the identifier's window and reports
// whether it fits. estTokens > 0 is added to the token counter; estTokens == 0
// leaves the token counter unchanged and only reads it. Any Redis error fails
// open: the request is admitted and Info.Err carries the cause.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string, limits Limits, estTokens int64) (bool, Info) {
	info := Info{
		LimitRPM:     limits.RPM,
		LimitTPM:     limits.TPM,
		ResetSeconds: int64(Window / time.Second),
	}

	rpmKey := counterKey(scope, identifier, "rpm")
	reqs, err := l.rdb.Incr(ctx, rpmKey).Result()
	if err != nil {
		return l.failOpen(scope, identifier, &info, err)
	}
	if reqs == 1 {
		if err := l.rdb.Expire(ctx, rpmKey, Window).Err(); err != nil {
			return l.failOpen(scope, identifier, &info, err)
		}
	}

	tpmKey := counterKey(scope, identifier, "tpm")
	var tokens int64
	if estTokens > 0 {
		tokens, err = l.rdb.IncrBy(ctx, tpmKey, estTokens).Result()
		if err != nil {
			return l.failOpen(scope, identifier, &info, err)
		}
		if tokens == estTokens {
			if err := l.rdb.Expire(ctx, tpmKey, Window).Err(); err != nil {
				return l.failOpen(scope, identifier, &info, err)
			}
		}
	} else {
		tokens, err = l.rdb.Get(ctx, tpmKey).Int64()
		if err != nil && err != redis.Nil {
			return l.failOpen(scope, identifier, &info, err)
		}
	}

	info.CurrentRequests = reqs
	info.CurrentTokens = tokens
	info.RemainingRequests = max(0, limits.RPM-reqs)
	info.RemainingTokens = max(0, limits.TPM-tokens)

	return reqs <= limits.RPM && tokens <= limits.TPM, info
}

// Reset clears both counters for an identifier, for administrative resets.
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	return l.rdb.Del(ctx,
		counterKey(scope, identifier, "rpm"),
		counterKey(scope, identifier, "tpm"),
	).Err()
}

func (l *Limiter) failOpen(scope Scope, identifier string, info *Info, err error) (bool, Info) {
	slog.Warn("rate limiter unavailable, failing open",
		"scope", string(scope), "identifier", identifier, "error", err)
	info.Err = err.Error()
	info.RemainingRequests = info.LimitRPM
	info.RemainingTokens = info.LimitTPM
	return true, *info
}

func counterKey(scope Scope, identifier, kind string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", scope, identifier, kind)
}

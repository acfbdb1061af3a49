package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/redis"
)

// Observer receives backend failure signals. *observability.Metrics
// satisfies it.
type Observer interface {
	IncRedisErrors()
	IncFallbackUsed()
}

// Resilient wraps a shared limiter and applies the failure policy when its
// backend cannot be reached.
type Resilient struct {
	primary  Limiter
	fallback *MemoryLimiter
	policy   config.FailurePolicy
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewResilient wraps primary. The in-memory fallback is only allocated for
// FailurePolicyInMemoryFallback. An empty policy means passthrough.
func NewResilient(primary Limiter, policy config.FailurePolicy, maxRequests int64, window time.Duration, observer Observer, logger *slog.Logger) *Resilient {
	if policy == "" {
		policy = config.FailurePolicyPassThrough
	}
	r := &Resilient{
		primary:  primary,
		policy:   policy,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
	if policy == config.FailurePolicyInMemoryFallback {
		r.fallback = NewMemoryLimiter(maxRequests, window)
	}
	return r
}

// Allow consults the primary limiter. A context canceled by the caller is
// returned as is. The failure policy covers an unreachable backend only; a
// reply-level error such as WRONGTYPE means the backend answered and is
// returned to the caller.
func (r *Resilient) Allow(ctx context.Context, identity string) (Decision, error) {
	d, err := r.primary.Allow(ctx, identity)
	if err == nil {
		return d, nil
	}
	if errors.Is(err, context.Canceled) {
		return Decision{}, err
	}

	if r.observer != nil {
		r.observer.IncRedisErrors()
	}
	if !redis.IsConnectivityErr(err) {
		r.logger.Error("rate limit backend rejected the request", "error", err)
		return Decision{}, err
	}

	switch r.policy {
	case config.FailurePolicyFailClosed:
		r.logger.Warn("rate limit backend failed, rejecting", "policy", r.policy, "error", err)
		return Decision{}, err
	case config.FailurePolicyInMemoryFallback:
		if r.observer != nil {
			r.observer.IncFallbackUsed()
		}
		r.logger.Warn("rate limit backend failed, using in-memory fallback", "error", err)
		return r.fallback.check(identity), nil
	default:
		r.logger.Warn("rate limit backend failed, admitting", "policy", r.policy, "error", err)
		q := r.quota()
		return Decision{Allowed: true, Limit: q.max, Remaining: q.max, ResetAt: r.now().Add(q.window)}, nil
	}
}

func (r *Resilient) quota() *quota {
	switch p := r.primary.(type) {
	case *RedisLimiter:
		return p.quota.Load()
	case *MemoryLimiter:
		return p.quota.Load()
	}
	return newQuota(0, 0)
}

func (r *Resilient) Reconfigure(maxRequests int64, window time.Duration) {
	r.primary.Reconfigure(maxRequests, window)
	if r.fallback != nil {
		r.fallback.Reconfigure(maxRequests, window)
	}
}

func (r *Resilient) Close() error {
	if r.fallback != nil {
		_ = r.fallback.Close()
	}
	return r.primary.Close()
}

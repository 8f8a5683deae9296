package middleware

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"fleetnet/errdefs"
	"fleetnet/rpc"
)

// RateLimit rejects invocations beyond r per second, allowing bursts of
// burst calls. The budget is shared by every caller.
func RateLimit(r float64, burst int) rpc.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
			if !limiter.Allow() {
				return reject(errdefs.Errorf(errdefs.KindRejected, op(inv), "rate limit exceeded"))
			}
			return next(ctx, inv)
		}
	}
}

// RateLimitPerChannel is RateLimit with one budget per calling channel. The
// limiters of at most channels peers are kept; the least recently seen one
// is forgotten first.
func RateLimitPerChannel(r float64, burst, channels int) (rpc.Middleware, error) {
	limiters, err := lru.New(channels)
	if err != nil {
		return nil, err
	}
	limiterFor := func(inv *rpc.InvocationContext) *rate.Limiter {
		if inv.Channel == nil {
			return nil
		}
		id := inv.Channel.ID()
		if l, ok := limiters.Get(id); ok {
			return l.(*rate.Limiter)
		}
		l := rate.NewLimiter(rate.Limit(r), burst)
		if prev, ok, _ := limiters.PeekOrAdd(id, l); ok {
			return prev.(*rate.Limiter)
		}
		return l
	}
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
			if l := limiterFor(inv); l != nil && !l.Allow() {
				return reject(errdefs.Errorf(errdefs.KindRejected, op(inv),
					"rate limit exceeded for channel %s", inv.Channel.ID()))
			}
			return next(ctx, inv)
		}
	}, nil
}

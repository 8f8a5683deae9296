package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/rpc"
)

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

type retryConfig struct {
	retryable func(error) bool
	logger    *zap.Logger
}

// RetryIf sets which failures are retried. The default retries timeouts.
func RetryIf(retryable func(error) bool) RetryOption {
	return func(c *retryConfig) {
		c.retryable = retryable
	}
}

func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(c *retryConfig) {
		c.logger = logger
	}
}

// Retry re-runs failed invocations up to maxRetries times, waiting
// baseDelay, 2*baseDelay, 4*baseDelay ... between attempts. Only install it
// for targets whose methods are safe to run more than once. Every attempt
// decodes its own copy of the arguments.
func Retry(maxRetries int, baseDelay time.Duration, opts ...RetryOption) rpc.Middleware {
	cfg := retryConfig{
		retryable: func(err error) bool { return errdefs.Is(err, errdefs.KindTimeout) },
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
			var args []byte
			if inv.Arguments != nil {
				args = append([]byte(nil), inv.Arguments.Bytes()...)
			}
			attempt := func() *rpc.HandlingResult {
				try := *inv
				if args != nil {
					try.Arguments = buffer.Wrap(append([]byte(nil), args...))
				}
				return next(ctx, &try)
			}

			res := attempt()
			for i := 0; i < maxRetries && !res.Successful && cfg.retryable(res.Err); i++ {
				cfg.logger.Info("retrying rpc invocation",
					zap.String("target", inv.TargetType),
					zap.String("method", inv.MethodName),
					zap.Int("attempt", i+1),
					zap.Error(res.Err))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reject(errdefs.New(errdefs.KindCancelled, op(inv), ctx.Err()))
				}
				res = attempt()
			}
			return res
		}
	}
}

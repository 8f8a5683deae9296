package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetnet/rpc"
)

// Logging logs every invocation with its duration: successes at debug level,
// failures at warn level.
func Logging(logger *zap.Logger) rpc.Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
			start := time.Now()
			res := next(ctx, inv)
			fields := []zap.Field{
				zap.String("target", inv.TargetType),
				zap.String("method", inv.MethodName),
				zap.Int("args", inv.ArgumentCount),
				zap.Duration("duration", time.Since(start)),
			}
			if inv.Channel != nil {
				fields = append(fields, zap.Stringer("channel", inv.Channel.ID()))
			}
			if res.Successful {
				logger.Debug("rpc invocation", fields...)
			} else {
				logger.Warn("rpc invocation failed", append(fields, zap.Error(res.Err))...)
			}
			return res
		}
	}
}

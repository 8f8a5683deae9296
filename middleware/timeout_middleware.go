package middleware

import (
	"context"
	"time"

	"fleetnet/errdefs"
	"fleetnet/rpc"
)

// Timeout fails invocations still running after d with a timeout error. The
// target keeps running until it returns; targets taking a context.Context
// see it cancelled.
func Timeout(d time.Duration) rpc.Middleware {
	return func(next rpc.HandlerFunc) rpc.HandlerFunc {
		return func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			// the abandoned call may still be decoding after we return
			if inv.Arguments != nil {
				inv.Arguments.Acquire()
			}
			done := make(chan *rpc.HandlingResult, 1)
			go func() {
				if inv.Arguments != nil {
					defer inv.Arguments.Release()
				}
				done <- next(ctx, inv)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return reject(errdefs.New(errdefs.KindTimeout, op(inv), ctx.Err()))
			}
		}
	}
}

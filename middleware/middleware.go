// Package middleware provides rpc.Middleware implementations for the callee
// side of remote invocations. Install them with rpc.HandlerRegistry.Use;
// they run in the order added.
package middleware

import (
	"fmt"

	"fleetnet/rpc"
)

// reject is the result of an invocation stopped by a middleware before or
// instead of reaching its handler.
func reject(err error) *rpc.HandlingResult {
	return &rpc.HandlingResult{Err: err}
}

// op names an invocation in errors.
func op(inv *rpc.InvocationContext) string {
	return fmt.Sprintf("invoke %s.%s", inv.TargetType, inv.MethodName)
}

package middleware

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/network"
	"fleetnet/network/networktest"
	"fleetnet/rpc"
)

// echoHandler succeeds with the invoked method name.
func echoHandler(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
	return &rpc.HandlingResult{Successful: true, Result: inv.MethodName}
}

// slowHandler takes 200ms.
func slowHandler(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, inv)
}

func invocation() *rpc.InvocationContext {
	return &rpc.InvocationContext{TargetType: "fleetnet/node.Service", MethodName: "Status"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	res := handler(context.Background(), invocation())
	if !res.Successful || res.Result != "Status" {
		t.Fatalf("expect successful echo, got %+v", res)
	}

	failing := Logging(zap.New(core))(func(context.Context, *rpc.InvocationContext) *rpc.HandlingResult {
		return &rpc.HandlingResult{Err: errors.New("boom")}
	})
	failing(context.Background(), invocation())

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expect 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expect debug then warn, got %s then %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["method"] != "Status" {
		t.Fatalf("expect method field, got %v", entries[1].ContextMap())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, the handler is fast
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	res := handler(context.Background(), invocation())
	if !res.Successful {
		t.Fatalf("expect no error, got %v", res.Err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, the handler needs 200ms
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	res := handler(context.Background(), invocation())
	if res.Successful || !errors.Is(res.Err, errdefs.ErrTimeout) {
		t.Fatalf("expect timeout error, got %+v", res)
	}
}

func TestTimeoutKeepsArgumentsAlive(t *testing.T) {
	read := make(chan string, 1)
	handler := Timeout(10 * time.Millisecond)(func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		s, err := inv.Arguments.ReadString()
		if err != nil {
			s = err.Error()
		}
		read <- s
		return echoHandler(ctx, inv)
	})

	inv := invocation()
	inv.Arguments = buffer.New().WriteString("node-7")
	handler(context.Background(), inv)
	// the caller drops its reference as soon as the result is in
	inv.Arguments.Release()

	if got := <-read; got != "node-7" {
		t.Fatalf("expect abandoned call to read its arguments, got %q", got)
	}
	deadline := time.Now().Add(time.Second)
	for inv.Arguments.Accessible() {
		if time.Now().After(deadline) {
			t.Fatal("expect arguments released after the abandoned call returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if res := handler(context.Background(), invocation()); !res.Successful {
			t.Fatalf("request %d should pass, got error: %v", i, res.Err)
		}
	}
	res := handler(context.Background(), invocation())
	if !errors.Is(res.Err, errdefs.ErrRejected) {
		t.Fatalf("request 3 should be rate limited, got: %v", res.Err)
	}
}

func TestRateLimitPerChannel(t *testing.T) {
	mw, err := RateLimitPerChannel(1, 1, 16)
	if err != nil {
		t.Fatal(err)
	}
	handler := mw(echoHandler)
	a, b := networktest.New(time.Second), networktest.New(time.Second)

	call := func(ch network.Channel) *rpc.HandlingResult {
		inv := invocation()
		inv.Channel = ch
		return handler(context.Background(), inv)
	}
	if !call(a).Successful || !call(b).Successful {
		t.Fatal("expect each channel to get its own budget")
	}
	if res := call(a); !errors.Is(res.Err, errdefs.ErrRejected) {
		t.Fatalf("expect second call on a to be limited, got %v", res.Err)
	}
	if _, err := RateLimitPerChannel(1, 1, 0); err == nil {
		t.Fatal("expect error for a zero sized limiter cache")
	}
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	handler := Retry(3, time.Millisecond, WithRetryLogger(zap.NewNop()))(func(ctx context.Context, inv *rpc.InvocationContext) *rpc.HandlingResult {
		// every attempt must see the full arguments
		s, err := inv.Arguments.ReadString()
		if err != nil || s != "payload" {
			return &rpc.HandlingResult{Err: errors.New("arguments consumed")}
		}
		if attempts.Add(1) < 3 {
			return &rpc.HandlingResult{Err: errdefs.Errorf(errdefs.KindTimeout, "test", "slow")}
		}
		return echoHandler(ctx, inv)
	})

	inv := invocation()
	inv.Arguments = buffer.New().WriteString("payload")
	res := handler(context.Background(), inv)
	if !res.Successful {
		t.Fatalf("expect success after retries, got %v", res.Err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts.Load())
	}
}

func TestRetryOnlyRetryable(t *testing.T) {
	var attempts atomic.Int32
	handler := Retry(3, time.Millisecond, WithRetryLogger(zap.NewNop()))(func(context.Context, *rpc.InvocationContext) *rpc.HandlingResult {
		attempts.Add(1)
		return &rpc.HandlingResult{Err: errdefs.Errorf(errdefs.KindNotFound, "test", "missing")}
	})

	res := handler(context.Background(), invocation())
	if !errors.Is(res.Err, errdefs.ErrNotFound) || attempts.Load() != 1 {
		t.Fatalf("expect a single attempt, got %d (%v)", attempts.Load(), res.Err)
	}

	custom := Retry(2, time.Millisecond, WithRetryLogger(zap.NewNop()), RetryIf(func(err error) bool { return true }))(func(context.Context, *rpc.InvocationContext) *rpc.HandlingResult {
		attempts.Add(1)
		return &rpc.HandlingResult{Err: errors.New("always")}
	})
	attempts.Store(0)
	custom(context.Background(), invocation())
	if attempts.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts.Load())
	}
}

func TestChain(t *testing.T) {
	// Logging + Timeout, the request passes through both
	handler := rpc.Chain(Logging(zap.NewNop()), Timeout(500*time.Millisecond))(echoHandler)

	res := handler(context.Background(), invocation())
	if res == nil || !res.Successful {
		t.Fatalf("expect no error, got %+v", res)
	}
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type sleeper struct {
	cancelled chan struct{}
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		close(s.cancelled)
		return ctx.Err()
	}
}

func TestTimeoutOverChannel(t *testing.T) {
	caller, callee := networktest.Pair(time.Second)
	defer caller.Close()

	target := &sleeper{cancelled: make(chan struct{})}
	reg := rpc.NewHandlerRegistry()
	reg.Register(rpc.NewHandler(reflect.TypeFor[Sleeper](), target))
	reg.Use(Logging(zap.NewNop()), Timeout(20*time.Millisecond))
	callee.Listeners().Add(network.ChannelRPC, rpc.NewListener(reg))

	sender := rpc.NewSender(reflect.TypeFor[Sleeper](), rpc.WithChannel(caller))
	if _, err := sender.InvokeMethod("Sleep", time.Millisecond).FireSync(); err != nil {
		t.Fatalf("expect fast call to pass, got %v", err)
	}

	_, err := sender.InvokeMethod("Sleep", time.Minute).FireSync()
	if !errors.Is(err, errdefs.ErrRemoteFailure) || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expect remote timeout, got %v", err)
	}
	select {
	case <-target.cancelled:
	case <-time.After(time.Second):
		t.Fatal("expect target context to be cancelled")
	}
}

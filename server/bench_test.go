package server_test

import (
	"reflect"
	"testing"

	"fleetnet/buffer"
	"fleetnet/codec"
	"fleetnet/loadbalance"
	"fleetnet/rpc"
)

func setupSender(b *testing.B) *rpc.Sender {
	svr := startNode(b, "bench", nil)
	cli := newClient(b, &loadbalance.RoundRobinBalancer{}, svr)
	return rpc.NewSender(reflect.TypeFor[Arith](), rpc.WithChannel(cli.FirstChannel()))
}

// one goroutine, calls back to back
func BenchmarkSerialCall(b *testing.B) {
	sender := setupSender(b)
	args := Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := sender.InvokeMethod("Add", args).FireSync(); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines multiplexed over one channel
func BenchmarkConcurrentCall(b *testing.B) {
	sender := setupSender(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := sender.InvokeMethod("Add", args).FireSync(); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// object mapping alone, no network
func BenchmarkCodecStruct(b *testing.B) {
	m := codec.New()
	args := Args{A: 1, B: 2}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := buffer.New()
		if err := codec.Write(m, buf, args); err != nil {
			b.Fatal(err)
		}
		if _, err := codec.Read[Args](m, buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMethodResolution(b *testing.B) {
	t := reflect.TypeFor[Arith]()
	for i := 0; i < b.N; i++ {
		if _, err := rpc.ResolveMethod(t, "add", 1); err != nil {
			b.Fatal(err)
		}
	}
}

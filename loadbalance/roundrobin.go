package loadbalance

import (
	"sync/atomic"

	"fleetnet/network"
)

// RoundRobinBalancer cycles through the active channels in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(chs []network.Channel, _ string) (network.Channel, error) {
	live := active(chs)
	if len(live) == 0 {
		return nil, errNoChannel()
	}
	index := (b.counter.Add(1) - 1) % uint64(len(live))
	return live[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

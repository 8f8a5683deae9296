// Package loadbalance picks one channel out of a component's channels.
//
// Two strategies are implemented:
//   - RoundRobin:     any member can serve the call
//   - ConsistentHash: calls for the same key should land on the same member
package loadbalance

import (
	"fleetnet/errdefs"
	"fleetnet/network"
)

// Balancer selects the channel an outbound call uses.
// Pick is called for every call and must be goroutine-safe.
type Balancer interface {
	// Pick selects one active channel. key is ignored by strategies that do
	// not need affinity.
	Pick(chs []network.Channel, key string) (network.Channel, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

func active(chs []network.Channel) []network.Channel {
	out := make([]network.Channel, 0, len(chs))
	for _, ch := range chs {
		if ch != nil && ch.Active() {
			out = append(out, ch)
		}
	}
	return out
}

func errNoChannel() error {
	return errdefs.Errorf(errdefs.KindChannelClosed, "pick", "no active channel available")
}

package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"fleetnet/network"
)

// ConsistentHashBalancer maps keys to channels using a hash ring, so calls
// for the same key keep landing on the same member while the channel set is
// stable.
//
// Each channel is placed on the ring as replicas virtual nodes hashed from
// "{channelID}#{i}"; without them a handful of members cluster on the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt from the active channels on every Pick, so it follows
// channels coming and going without explicit Add/Remove calls.
type ConsistentHashBalancer struct {
	replicas int
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per channel.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

type ring struct {
	hashes []uint32
	nodes  map[uint32]network.Channel
}

func (b *ConsistentHashBalancer) build(chs []network.Channel) *ring {
	r := &ring{
		hashes: make([]uint32, 0, len(chs)*b.replicas),
		nodes:  make(map[uint32]network.Channel, len(chs)*b.replicas),
	}
	for _, ch := range chs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ch.ID(), i)))
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = ch
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool {
		return r.hashes[i] < r.hashes[j]
	})
	return r
}

// Pick finds the channel responsible for key: the first virtual node at or
// after the key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) Pick(chs []network.Channel, key string) (network.Channel, error) {
	live := active(chs)
	if len(live) == 0 {
		return nil, errNoChannel()
	}
	r := b.build(live)
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

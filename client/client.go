// Package client implements the dialing side of a fleet member.
//
// A Client holds one transport.Channel per dialed peer. All channels share
// the client's root listener registry, and calls pick a channel through a
// loadbalance.Balancer.
package client

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetnet/errdefs"
	"fleetnet/listener"
	"fleetnet/loadbalance"
	"fleetnet/network"
	"fleetnet/transport"
)

type Client struct {
	logger   *zap.Logger
	balancer loadbalance.Balancer
	chOpts   []transport.Option
	dialer   net.Dialer
	root     *listener.Registry

	mu       sync.RWMutex
	channels map[uuid.UUID]*transport.Channel
	order    []uuid.UUID
	closed   bool
}

var _ network.Component = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBalancer sets the strategy used by Pick. Defaults to round robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithChannelOptions applies opts to every dialed channel.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.chOpts = append(c.chOpts, opts...)
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		logger:   zap.L(),
		balancer: &loadbalance.RoundRobinBalancer{},
		root:     listener.NewRegistry(),
		channels: make(map[uuid.UUID]*transport.Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Listeners() network.ListenerRegistry {
	return c.root
}

// Dial connects to a peer and tracks the resulting channel until it closes.
func (c *Client) Dial(ctx context.Context, network, address string) (network.Channel, error) {
	conn, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errdefs.New(errdefs.KindTransport, "dial "+address, err)
	}

	opts := append([]transport.Option{
		transport.WithLogger(c.logger),
		transport.WithParentRegistry(c.root),
	}, c.chOpts...)
	opts = append(opts, transport.WithOnClose(c.untrack))
	ch := transport.New(conn, opts...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return nil, errdefs.New(errdefs.KindShutdown, "dial "+address, nil)
	}
	if ch.Active() {
		c.channels[ch.ID()] = ch
		c.order = append(c.order, ch.ID())
	}
	c.mu.Unlock()
	return ch, nil
}

func (c *Client) untrack(ch *transport.Channel, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, ch.ID())
	for i, id := range c.order {
		if id == ch.ID() {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Channels returns the live channels in dial order.
func (c *Client) Channels() []network.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]network.Channel, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.channels[id])
	}
	return out
}

// FirstChannel returns the oldest live channel, nil when there is none.
func (c *Client) FirstChannel() network.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return nil
	}
	return c.channels[c.order[0]]
}

// Pick selects a channel with the configured balancer.
func (c *Client) Pick(key string) (network.Channel, error) {
	return c.balancer.Pick(c.Channels(), key)
}

// Balancer returns the configured balancer.
func (c *Client) Balancer() loadbalance.Balancer {
	return c.balancer
}

// Close closes every channel; later dials fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	chs := make([]*transport.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	c.mu.Unlock()

	for _, ch := range chs {
		ch.Close()
	}
	return nil
}

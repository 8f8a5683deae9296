package transport

import (
	"time"

	"go.uber.org/zap"

	"fleetnet/network"
)

type config struct {
	queryTimeout time.Duration
	queueSize    int
	highWater    int
	heartbeat    time.Duration
	parent       network.ListenerRegistry
	logger       *zap.Logger
	onClose      func(*Channel, error)
}

func defaultConfig() config {
	return config{
		queryTimeout: network.DefaultQueryTimeout,
		queueSize:    128,
		highWater:    64,
		heartbeat:    30 * time.Second,
		logger:       zap.L(),
	}
}

// Option configures a Channel.
type Option func(*config)

// WithQueryTimeout sets how long queries sent on the channel wait for a response.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.queryTimeout = timeout
		}
	}
}

// WithQueueSize bounds the number of packets waiting to be written.
// Send fails once the queue is full.
func WithQueueSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithHighWaterMark sets the queued packet count at which the channel
// reports itself as not writable.
func WithHighWaterMark(mark int) Option {
	return func(c *config) {
		if mark > 0 {
			c.highWater = mark
		}
	}
}

// WithHeartbeat sets the interval of keep-alive packets; 0 disables them.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *config) {
		c.heartbeat = interval
	}
}

// WithParentRegistry makes the channel's listener registry delegate to parent
// first, typically the listener registry of the owning component.
func WithParentRegistry(parent network.ListenerRegistry) Option {
	return func(c *config) {
		c.parent = parent
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnClose registers fn to run once the channel closed, with the cause.
func WithOnClose(fn func(*Channel, error)) Option {
	return func(c *config) {
		c.onClose = fn
	}
}

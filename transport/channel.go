// Package transport implements network.Channel over a net.Conn.
//
// A Channel runs three goroutines:
//   - readLoop: decodes frames sequentially (reads must be sequential to parse
//     frame boundaries) and dispatches them in arrival order
//   - writeLoop: the only writer of the connection, draining a bounded
//     outbound queue so frames never interleave
//   - heartbeatLoop: periodic keep-alive packets
//
// The outbound queue is the backpressure signal: once it holds high-water
// mark packets the channel reports itself as not writable.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/listener"
	"fleetnet/message"
	"fleetnet/network"
	"fleetnet/protocol"
	"fleetnet/query"
)

var (
	MetricPacketInCount  = []string{"fleetnet", "transport", "packet", "in", "count"}
	MetricPacketOutCount = []string{"fleetnet", "transport", "packet", "out", "count"}
)

var (
	ErrQueueFull = errors.New("transport: outbound queue full")
	ErrClosed    = errors.New("transport: channel closed")
)

type outbound struct {
	packet *message.Packet
	done   chan error // nil for fire-and-forget sends
}

// Channel is safe for concurrent use.
type Channel struct {
	id        uuid.UUID
	conn      net.Conn
	cfg       config
	logger    *zap.Logger
	listeners *listener.Registry
	queries   *query.Manager

	queue  chan outbound
	queued atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ network.Channel = (*Channel)(nil)

// New wraps conn and starts the channel's goroutines.
func New(conn net.Conn, opts ...Option) *Channel {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.New()
	logger := cfg.logger.With(zap.Stringer("channelID", id), zap.String("remote", conn.RemoteAddr().String()))
	var regOpts []listener.Option
	if cfg.parent != nil {
		regOpts = append(regOpts, listener.WithParent(cfg.parent))
	}

	c := &Channel{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		listeners: listener.NewRegistry(regOpts...),
		queries:   query.NewManager(cfg.queryTimeout, query.WithLogger(logger)),
		queue:     make(chan outbound, cfg.queueSize),
		closed:    make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()
	if cfg.heartbeat > 0 {
		go c.heartbeatLoop(cfg.heartbeat)
	}
	return c
}

func (c *Channel) ID() uuid.UUID {
	return c.id
}

func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Channel) Listeners() network.ListenerRegistry {
	return c.listeners
}

func (c *Channel) Queries() network.QueryManager {
	return c.queries
}

func (c *Channel) Active() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Channel) Writable() bool {
	return c.Active() && int(c.queued.Load()) < c.cfg.highWater
}

func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the channel closed, nil while active.
func (c *Channel) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Channel) enqueue(o outbound) error {
	if !c.Active() {
		return errdefs.New(errdefs.KindChannelClosed, "send", c.closeErr)
	}
	if err := protocol.CheckSize(o.packet); err != nil {
		return errdefs.New(errdefs.KindSerialization, "send", err)
	}
	select {
	case c.queue <- o:
		c.queued.Add(1)
		return nil
	case <-c.closed:
		return errdefs.New(errdefs.KindChannelClosed, "send", c.closeErr)
	default:
		return errdefs.New(errdefs.KindTransport, "send", ErrQueueFull)
	}
}

// Send queues p and returns without waiting for the write. On success the
// channel takes over the packet's content reference; on error the caller
// keeps it.
func (c *Channel) Send(p *message.Packet) error {
	return c.enqueue(outbound{packet: p})
}

// SendSync queues p and waits until it has been written. Unlike Send it
// takes over p even when it fails.
func (c *Channel) SendSync(ctx context.Context, p *message.Packet) error {
	done := make(chan error, 1)
	if err := c.enqueue(outbound{packet: p, done: done}); err != nil {
		p.Release()
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.closed:
		return errdefs.New(errdefs.KindChannelClosed, "send", c.closeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) SendQueryAsync(p *message.Packet) *future.Future[*message.Packet] {
	return c.queries.SendQueryPacket(c, p)
}

// SendQuery blocks until the response arrives or the query times out. It must
// not be called from a listener running on this channel's read loop.
func (c *Channel) SendQuery(p *message.Packet) (*message.Packet, error) {
	return c.SendQueryAsync(p).Get()
}

// Close closes the channel; pending queries fail as channel closed.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.conn.Close()
		c.queries.FailAll(errdefs.New(errdefs.KindChannelClosed, "channel "+c.id.String(), cause))

		if errors.Is(cause, ErrClosed) || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
			c.logger.Debug("channel closed", zap.Error(cause))
		} else {
			c.logger.Warn("channel closed", zap.Error(cause))
		}
		if c.cfg.onClose != nil {
			c.cfg.onClose(c, cause)
		}
	})
}

// readLoop decodes and dispatches frames in the order they arrive.
func (c *Channel) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		p, err := protocol.Decode(r)
		if err != nil {
			c.shutdown(err)
			return
		}
		metrics.IncrCounter(MetricPacketInCount, 1)
		network.Dispatch(c, p, c.logger)
	}
}

// writeLoop is the single writer of the connection.
func (c *Channel) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case o := <-c.queue:
			c.queued.Add(-1)
			err := protocol.Encode(w, o.packet)
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// nothing reached the connection, only this packet fails
				o.packet.Release()
				if o.done != nil {
					o.done <- errdefs.New(errdefs.KindSerialization, "send", err)
				}
				c.logger.Warn("packet dropped", zap.Int32("channel", o.packet.Channel()), zap.Error(err))
				continue
			}
			if err == nil {
				err = w.Flush()
			}
			o.packet.Release()
			if o.done != nil {
				o.done <- err
			}
			if err != nil {
				c.shutdown(err)
				c.drain()
				return
			}
			metrics.IncrCounter(MetricPacketOutCount, 1)
		case <-c.closed:
			c.drain()
			return
		}
	}
}

// drain fails every packet still queued after close.
func (c *Channel) drain() {
	for {
		select {
		case o := <-c.queue:
			c.queued.Add(-1)
			o.packet.Release()
			if o.done != nil {
				o.done <- errdefs.New(errdefs.KindChannelClosed, "send", c.closeErr)
			}
		default:
			return
		}
	}
}

func (c *Channel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.beat()
		case <-c.closed:
			return
		}
	}
}

// beat queues one heartbeat. A full queue already proves liveness, so the
// beat is dropped then.
func (c *Channel) beat() *message.Packet {
	p := message.New(network.ChannelHeartbeat, nil)
	if err := c.Send(p); err != nil {
		p.Release()
	}
	return p
}

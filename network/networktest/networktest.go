// Package networktest provides an in-memory network.Channel for tests.
//
// A lone Channel records what is sent on it. Two channels created with Pair
// deliver to each other synchronously, passing every packet through the wire
// codec so the receiver gets its own copy exactly as over a connection.
package networktest

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/listener"
	"fleetnet/message"
	"fleetnet/network"
	"fleetnet/protocol"
	"fleetnet/query"
)

type Channel struct {
	id        uuid.UUID
	listeners *listener.Registry
	queries   *query.Manager

	// deliveries to the peer are serialized so packets keep their order
	deliverMu sync.Mutex
	peer      *Channel

	mu      sync.Mutex
	sent    []*message.Packet
	sendErr error

	writable  atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

var _ network.Channel = (*Channel)(nil)

// New returns an unconnected channel recording every sent packet.
func New(timeout time.Duration) *Channel {
	c := &Channel{
		id:        uuid.New(),
		listeners: listener.NewRegistry(),
		queries:   query.NewManager(timeout, query.WithLogger(zap.NewNop())),
		closed:    make(chan struct{}),
	}
	c.writable.Store(true)
	return c
}

// Pair returns two connected channels.
func Pair(timeout time.Duration) (*Channel, *Channel) {
	a, b := New(timeout), New(timeout)
	a.peer, b.peer = b, a
	return a, b
}

func (c *Channel) ID() uuid.UUID                       { return c.id }
func (c *Channel) RemoteAddr() string                  { return "mem:" + c.id.String() }
func (c *Channel) Listeners() network.ListenerRegistry { return c.listeners }
func (c *Channel) Queries() network.QueryManager       { return c.queries }
func (c *Channel) Done() <-chan struct{}               { return c.closed }

func (c *Channel) Active() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Channel) Writable() bool {
	return c.Active() && c.writable.Load()
}

// SetWritable flips the writability reported to senders.
func (c *Channel) SetWritable(w bool) {
	c.writable.Store(w)
}

// FailSends makes every following Send fail with err; nil restores sending.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns the packets sent on an unconnected channel.
func (c *Channel) Sent() []*message.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Packet(nil), c.sent...)
}

func (c *Channel) Send(p *message.Packet) error {
	if !c.Active() {
		return errdefs.New(errdefs.KindChannelClosed, "send", nil)
	}
	c.mu.Lock()
	err := c.sendErr
	if err == nil && c.peer == nil {
		c.sent = append(c.sent, p)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.peer != nil {
		return c.deliver(p)
	}
	return nil
}

func (c *Channel) deliver(p *message.Packet) error {
	var wire bytes.Buffer
	err := protocol.Encode(&wire, p)
	p.Release()
	if err != nil {
		return errdefs.New(errdefs.KindTransport, "send", err)
	}
	copied, err := protocol.Decode(bufio.NewReader(&wire))
	if err != nil {
		return errdefs.New(errdefs.KindTransport, "send", err)
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if !c.peer.Active() {
		copied.Release()
		return nil
	}
	network.Dispatch(c.peer, copied, zap.NewNop())
	return nil
}

func (c *Channel) SendSync(ctx context.Context, p *message.Packet) error {
	err := ctx.Err()
	if err == nil {
		err = c.Send(p)
	}
	if err != nil {
		p.Release()
	}
	return err
}

func (c *Channel) SendQueryAsync(p *message.Packet) *future.Future[*message.Packet] {
	return c.queries.SendQueryPacket(c, p)
}

func (c *Channel) SendQuery(p *message.Packet) (*message.Packet, error) {
	return c.SendQueryAsync(p).Get()
}

// Close closes this end only; pending queries fail as channel closed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.queries.FailAll(errdefs.New(errdefs.KindChannelClosed, "channel "+c.id.String(), nil))
	})
	return nil
}

// Package network defines the channel abstraction the invocation core is
// written against. The byte transport itself (accept, TLS, framing) lives
// behind Channel; this repo ships one implementation in package transport.
package network

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fleetnet/future"
	"fleetnet/message"
)

// Well-known channel ids.
const (
	ChannelRPC             int32 = 1
	ChannelChunkedTransfer int32 = 2
	ChannelHeartbeat       int32 = -2
)

// DefaultQueryTimeout is used when a channel does not advertise its own.
const DefaultQueryTimeout = 30 * time.Second

// Channel is a duplex connection between two fleet members.
type Channel interface {
	// ID identifies the channel locally.
	ID() uuid.UUID
	RemoteAddr() string

	// Send queues p for delivery without waiting for it to be written.
	Send(p *message.Packet) error
	// SendSync returns once p has been written to the underlying stream. The
	// channel owns p afterwards whatever the outcome.
	SendSync(ctx context.Context, p *message.Packet) error
	// SendQuery sends p as a query and blocks for the correlated response.
	SendQuery(p *message.Packet) (*message.Packet, error)
	// SendQueryAsync sends p as a query.
	SendQueryAsync(p *message.Packet) *future.Future[*message.Packet]

	// Writable reports whether the channel currently accepts more outbound data.
	Writable() bool
	// Active reports whether the channel is still open.
	Active() bool
	// Done is closed when the channel closes.
	Done() <-chan struct{}

	Listeners() ListenerRegistry
	Queries() QueryManager
	Close() error
}

// PacketSender is the part of a Channel a QueryManager needs.
type PacketSender interface {
	Send(p *message.Packet) error
}

// Listener handles inbound packets of the channels it is registered for.
type Listener interface {
	HandlePacket(ch Channel, p *message.Packet) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ch Channel, p *message.Packet) error

func (f ListenerFunc) HandlePacket(ch Channel, p *message.Packet) error {
	return f(ch, p)
}

// ListenerRegistry routes packets by channel id to registered listeners.
type ListenerRegistry interface {
	Parent() ListenerRegistry
	Add(channel int32, listeners ...Listener)
	AddOwned(owner *Owner, channel int32, listeners ...Listener)
	Remove(channel int32, listeners ...Listener)
	RemoveChannel(channel int32)
	RemoveOwner(owner *Owner)
	Has(channel int32) bool
	Channels() []int32
	Listeners(channel int32) []Listener
	HandlePacket(ch Channel, p *message.Packet) error
}

// QueryManager correlates outbound queries with their responses.
type QueryManager interface {
	Timeout() time.Duration
	SendQueryPacket(sender PacketSender, p *message.Packet) *future.Future[*message.Packet]
	// Resolve completes the waiting handler matching p's UniqueID and reports
	// whether one existed.
	Resolve(p *message.Packet) bool
	HasWaitingHandler(id uuid.UUID) bool
	WaitingHandler(id uuid.UUID) (*future.Future[*message.Packet], bool)
	UnregisterWaitingHandler(id uuid.UUID) bool
	WaitingHandlers() int
	FailAll(err error)
}

// Component is a network participant owning one or more channels.
type Component interface {
	Channels() []Channel
	FirstChannel() Channel
	Listeners() ListenerRegistry
}

// Owner tags registrations so they can be removed together, for example
// when a dynamically loaded module is unloaded.
type Owner struct {
	name string
}

func NewOwner(name string) *Owner {
	return &Owner{name: name}
}

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	return o.name
}

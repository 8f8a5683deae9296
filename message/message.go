// Package message defines the Packet, the envelope of every exchange between
// two fleet members.
//
// A Packet is routed by its channel id. A non-nil UniqueID marks it as a query:
// the receiver must answer with a packet carrying the same UniqueID, built with
// ConstructResponse.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetnet/buffer"
)

// ResponseChannel is the channel id of every query response. Responses are
// matched by UniqueID before channel dispatch happens.
const ResponseChannel int32 = -1

// Packet is immutable after construction.
type Packet struct {
	channel   int32
	uniqueID  uuid.UUID
	content   *buffer.Buffer
	createdAt time.Time
}

// New creates a one-way packet. A nil content is replaced by an empty buffer.
func New(channel int32, content *buffer.Buffer) *Packet {
	return NewWithID(channel, uuid.Nil, content)
}

// NewWithID creates a packet carrying the given correlation id; uuid.Nil means none.
func NewWithID(channel int32, uniqueID uuid.UUID, content *buffer.Buffer) *Packet {
	if content == nil {
		content = buffer.New()
	}
	return &Packet{
		channel:   channel,
		uniqueID:  uniqueID,
		content:   content,
		createdAt: time.Now(),
	}
}

func (p *Packet) Channel() int32 {
	return p.channel
}

// UniqueID returns the correlation id, uuid.Nil when absent.
func (p *Packet) UniqueID() uuid.UUID {
	return p.uniqueID
}

// IsQuery reports whether the packet carries a correlation id.
func (p *Packet) IsQuery() bool {
	return p.uniqueID != uuid.Nil
}

func (p *Packet) Content() *buffer.Buffer {
	return p.content
}

func (p *Packet) CreatedAt() time.Time {
	return p.createdAt
}

// WithUniqueID returns a copy of p carrying id. The content is shared.
func (p *Packet) WithUniqueID(id uuid.UUID) *Packet {
	cp := *p
	cp.uniqueID = id
	return &cp
}

// ConstructResponse builds the reply to p carrying content.
func (p *Packet) ConstructResponse(content *buffer.Buffer) *Packet {
	return NewWithID(ResponseChannel, p.uniqueID, content)
}

// Release drops the packet's reference on its content.
func (p *Packet) Release() error {
	return p.content.Release()
}

func (p *Packet) String() string {
	if p.IsQuery() {
		return fmt.Sprintf("Packet{channel=%d, id=%s, %d bytes}", p.channel, p.uniqueID, p.content.Readable())
	}
	return fmt.Sprintf("Packet{channel=%d, %d bytes}", p.channel, p.content.Readable())
}

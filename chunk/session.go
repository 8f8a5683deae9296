// Package chunk transfers byte streams too large for one packet as a session
// of indexed chunks on network.ChannelChunkedTransfer.
//
// Chunk content:
//
//	[SessionInformation][index int32][final bool]{[total int32] if final}[data bytes]
//
// A session of N full chunks ends with a final chunk at index N carrying the
// remaining bytes, possibly none, and total N. The receiver reassembles by
// index, so chunks may arrive in any order.
package chunk

import (
	"fmt"

	"github.com/google/uuid"

	"fleetnet/buffer"
	"fleetnet/errdefs"
)

// DefaultChunkSize is the chunk size of a Builder that does not set one.
const DefaultChunkSize = 1 << 20

var (
	MetricSentBytes             = []string{"fleetnet", "chunk", "sent", "bytes"}
	MetricReceivedBytes         = []string{"fleetnet", "chunk", "received", "bytes"}
	MetricSessionFailureCount   = []string{"fleetnet", "chunk", "session", "failure", "count"}
	MetricSessionEvictedCount   = []string{"fleetnet", "chunk", "session", "evicted", "count"}
	MetricSessionCompletedCount = []string{"fleetnet", "chunk", "session", "completed", "count"}
)

// SessionInformation identifies one transfer and tells the receiver how to
// handle it.
type SessionInformation struct {
	ChunkSize int32
	SessionID uuid.UUID
	// TransferChannel selects the receiving behavior, e.g. "deploy_template".
	TransferChannel string
	// Extra is opaque data for the receiving handler. It may be nil.
	Extra *buffer.Buffer
}

// Equal reports whether both describe the same session.
func (s SessionInformation) Equal(o SessionInformation) bool {
	return s.SessionID == o.SessionID
}

func (s SessionInformation) String() string {
	return fmt.Sprintf("%s/%s", s.TransferChannel, s.SessionID)
}

func (s SessionInformation) write(buf *buffer.Buffer) {
	buf.WriteInt32(s.ChunkSize).
		WriteUUID(s.SessionID).
		WriteString(s.TransferChannel).
		WriteBuffer(s.Extra)
}

func readSessionInformation(buf *buffer.Buffer) (SessionInformation, error) {
	var (
		s   SessionInformation
		err error
	)
	if s.ChunkSize, err = buf.ReadInt32(); err != nil {
		return s, err
	}
	if s.SessionID, err = buf.ReadUUID(); err != nil {
		return s, err
	}
	if s.TransferChannel, err = buf.ReadString(); err != nil {
		return s, err
	}
	s.Extra, err = buf.ReadBuffer()
	return s, err
}

// chunk is one decoded chunk packet.
type chunk struct {
	info  SessionInformation
	index int32
	final bool
	total int32
	data  []byte
}

func (c chunk) encode() *buffer.Buffer {
	buf := buffer.NewSize(len(c.data) + 64)
	c.info.write(buf)
	buf.WriteInt32(c.index).WriteBool(c.final)
	if c.final {
		buf.WriteInt32(c.total)
	}
	return buf.WriteBytes(c.data)
}

// decodeChunk reads a chunk. data is copied out of buf.
func decodeChunk(buf *buffer.Buffer) (chunk, error) {
	var (
		c   chunk
		err error
	)
	if c.info, err = readSessionInformation(buf); err != nil {
		return c, err
	}
	if c.index, err = buf.ReadInt32(); err != nil {
		return c, err
	}
	if c.final, err = buf.ReadBool(); err != nil {
		return c, err
	}
	if c.final {
		if c.total, err = buf.ReadInt32(); err != nil {
			return c, err
		}
	}
	data, err := buf.ReadBytes()
	if err != nil {
		return c, err
	}
	c.data = append([]byte(nil), data...)

	switch {
	case c.index < 0:
		return c, errdefs.Errorf(errdefs.KindSerialization, "decode chunk", "negative chunk index %d", c.index)
	case c.final && c.total != c.index:
		return c, errdefs.Errorf(errdefs.KindSerialization, "decode chunk",
			"final chunk %d declares %d chunks", c.index, c.total)
	}
	return c, nil
}

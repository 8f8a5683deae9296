// Package protocol implements the binary frame layout of a Packet on a byte stream.
//
// Every frame is self-delimiting: the receiver reads the fixed part first,
// then the varint content length, then exactly that many content bytes.
//
// Frame format:
//
//	0         4     5               21               n
//	┌─────────┬─────┬───────────────┬────────────────┬──────────────────┐
//	│ channel │ has │   uniqueId    │ contentLength  │   content ...    │
//	│  int32  │ id  │ 16B if has=1  │     varint     │ contentLength B  │
//	└─────────┴─────┴───────────────┴────────────────┴──────────────────┘
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/message"
)

// MaxContentLength bounds a single frame so a corrupt length prefix cannot
// make the receiver allocate without limit.
const MaxContentLength = 64 << 20

var (
	ErrFrameTooLarge = errdefs.New(errdefs.KindSerialization, "protocol", errors.New("frame content too large"))
	ErrInvalidIDFlag = errdefs.New(errdefs.KindSerialization, "protocol", errors.New("invalid uniqueId flag"))
	ErrInvalidVarint = errdefs.New(errdefs.KindSerialization, "protocol", errors.New("invalid content length"))
)

// CheckSize reports ErrFrameTooLarge when p cannot be framed.
func CheckSize(p *message.Packet) error {
	if n := p.Content().Readable(); n > MaxContentLength {
		return fmt.Errorf("%d bytes: %w", n, ErrFrameTooLarge)
	}
	return nil
}

// Encode writes one frame for p to w. Nothing is written when p is too
// large.
// The caller must serialize writers sharing w, otherwise frames from
// different packets interleave and corrupt the stream.
func Encode(w io.Writer, p *message.Packet) error {
	if err := CheckSize(p); err != nil {
		return err
	}
	content := p.Content().Bytes()

	head := make([]byte, 0, 4+1+16+binary.MaxVarintLen64)
	head = binary.BigEndian.AppendUint32(head, uint32(p.Channel()))
	if p.IsQuery() {
		id := p.UniqueID()
		head = append(head, 1)
		head = append(head, id[:]...)
	} else {
		head = append(head, 0)
	}
	head = protowire.AppendVarint(head, uint64(len(content)))

	if _, err := w.Write(head); err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	_, err := w.Write(content)
	return err
}

// Decode reads exactly one frame from r.
func Decode(r *bufio.Reader) (*message.Packet, error) {
	// Step 1: channel id and uniqueId flag
	fixed := make([]byte, 5)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	channel := int32(binary.BigEndian.Uint32(fixed[0:4]))

	// Step 2: optional correlation id
	id := uuid.Nil
	switch fixed[4] {
	case 0:
	case 1:
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("flag %d: %w", fixed[4], ErrInvalidIDFlag)
	}

	// Step 3: content length
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidVarint)
	}
	if length > MaxContentLength {
		return nil, fmt.Errorf("%d bytes: %w", length, ErrFrameTooLarge)
	}

	// Step 4: exactly length content bytes
	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, err
	}
	return message.NewWithID(channel, id, buffer.Wrap(content)), nil
}

// Package buffer implements the binary content carried by every packet.
//
// A Buffer is an append-only byte sequence with a read cursor. Fixed width
// numbers are big-endian (network byte order); lengths are varints; strings
// are UTF-8 prefixed by their byte length.
//
//	Bool     1 byte (0/1)
//	Int16/32/64, Float32/64, Char   fixed width, big-endian
//	Bytes    varint length + bytes
//	String   varint length + UTF-8 bytes
//	UUID     16 bytes
//	Buffer   varint length + nested content
//
// Ownership is reference counted. A new Buffer holds one reference; once it
// is handed to a channel the sender must not touch it again unless it called
// Acquire first. Every reference must be released exactly once.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"fleetnet/errdefs"
)

var (
	// ErrUnderflow is returned when a read needs more bytes than are readable.
	ErrUnderflow = errdefs.New(errdefs.KindSerialization, "buffer", errors.New("read past end of buffer"))
	// ErrReleased is returned when a buffer is used after its last release.
	ErrReleased = errors.New("buffer: already released")
	// ErrMalformedVarint is returned for truncated or overlong varints.
	ErrMalformedVarint = errdefs.New(errdefs.KindSerialization, "buffer", errors.New("malformed varint"))
)

// Buffer is not safe for concurrent reads and writes; only its reference
// count may be touched from several goroutines.
type Buffer struct {
	data []byte
	off  int
	mark int
	refs atomic.Int32
}

// New returns an empty buffer holding one reference.
func New() *Buffer {
	return NewSize(64)
}

// NewSize returns an empty buffer with the given capacity.
func NewSize(capacity int) *Buffer {
	b := &Buffer{data: make([]byte, 0, capacity)}
	b.refs.Store(1)
	return b
}

// Wrap returns a buffer reading data. The buffer owns data afterwards.
func Wrap(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Readable returns the number of unread bytes.
func (b *Buffer) Readable() int {
	return len(b.data) - b.off
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the unread portion. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off:]
}

// ToBytes returns a copy of everything written, regardless of the cursor.
func (b *Buffer) ToBytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Copy returns an independent buffer over a copy of the unread bytes, with
// its own cursor and one reference.
func (b *Buffer) Copy() *Buffer {
	return Wrap(append([]byte(nil), b.Bytes()...))
}

// Mark remembers the current read position for Reset.
func (b *Buffer) Mark() {
	b.mark = b.off
}

// Reset moves the read cursor back to the last Mark (or the start).
func (b *Buffer) Reset() {
	b.off = b.mark
}

// Acquire adds a reference.
func (b *Buffer) Acquire() *Buffer {
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			panic(ErrReleased)
		}
		if b.refs.CompareAndSwap(cur, cur+1) {
			return b
		}
	}
}

// Release drops a reference; the last release frees the content.
func (b *Buffer) Release() error {
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			return ErrReleased
		}
		if b.refs.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				b.data = nil
				b.off, b.mark = 0, 0
			}
			return nil
		}
	}
}

// RefCount returns the number of live references.
func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

// Accessible reports whether the buffer still holds a reference.
func (b *Buffer) Accessible() bool {
	return b.refs.Load() > 0
}

func (b *Buffer) writable() {
	if b.refs.Load() <= 0 {
		panic(ErrReleased)
	}
}

func (b *Buffer) next(n int) ([]byte, error) {
	if b.refs.Load() <= 0 {
		return nil, ErrReleased
	}
	if n < 0 || b.Readable() < n {
		return nil, fmt.Errorf("need %d bytes, %d readable: %w", n, b.Readable(), ErrUnderflow)
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p, nil
}

func (b *Buffer) WriteBool(v bool) *Buffer {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

func (b *Buffer) WriteUint8(v byte) *Buffer {
	b.writable()
	b.data = append(b.data, v)
	return b
}

func (b *Buffer) WriteInt16(v int16) *Buffer {
	b.writable()
	b.data = binary.BigEndian.AppendUint16(b.data, uint16(v))
	return b
}

func (b *Buffer) WriteInt32(v int32) *Buffer {
	b.writable()
	b.data = binary.BigEndian.AppendUint32(b.data, uint32(v))
	return b
}

func (b *Buffer) WriteInt64(v int64) *Buffer {
	b.writable()
	b.data = binary.BigEndian.AppendUint64(b.data, uint64(v))
	return b
}

func (b *Buffer) WriteFloat32(v float32) *Buffer {
	return b.WriteInt32(int32(math.Float32bits(v)))
}

func (b *Buffer) WriteFloat64(v float64) *Buffer {
	return b.WriteInt64(int64(math.Float64bits(v)))
}

// WriteChar writes a 4 byte code point.
func (b *Buffer) WriteChar(v rune) *Buffer {
	return b.WriteInt32(v)
}

// WriteVarint appends an unsigned LEB128 varint.
func (b *Buffer) WriteVarint(v uint64) *Buffer {
	b.writable()
	b.data = protowire.AppendVarint(b.data, v)
	return b
}

// WriteBytes appends p prefixed by its length.
func (b *Buffer) WriteBytes(p []byte) *Buffer {
	b.WriteVarint(uint64(len(p)))
	b.data = append(b.data, p...)
	return b
}

// WriteRaw appends p without a length prefix.
func (b *Buffer) WriteRaw(p []byte) *Buffer {
	b.writable()
	b.data = append(b.data, p...)
	return b
}

func (b *Buffer) WriteString(s string) *Buffer {
	b.WriteVarint(uint64(len(s)))
	b.data = append(b.data, s...)
	return b
}

func (b *Buffer) WriteUUID(id uuid.UUID) *Buffer {
	return b.WriteRaw(id[:])
}

// WriteBuffer appends the unread content of nested, length prefixed.
// nested is not consumed or released.
func (b *Buffer) WriteBuffer(nested *Buffer) *Buffer {
	if nested == nil {
		return b.WriteVarint(0)
	}
	return b.WriteBytes(nested.Bytes())
}

// WriteNullable writes a presence marker and, when present, calls write.
func (b *Buffer) WriteNullable(present bool, write func(*Buffer)) *Buffer {
	b.WriteBool(present)
	if present {
		write(b)
	}
	return b
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) ReadUint8() (byte, error) {
	p, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadInt16() (int16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(p)), nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

func (b *Buffer) ReadInt64() (int64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadInt32()
	return math.Float32frombits(uint32(v)), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadInt64()
	return math.Float64frombits(uint64(v)), err
}

func (b *Buffer) ReadChar() (rune, error) {
	return b.ReadInt32()
}

func (b *Buffer) ReadVarint() (uint64, error) {
	if b.refs.Load() <= 0 {
		return 0, ErrReleased
	}
	v, n := protowire.ConsumeVarint(b.data[b.off:])
	if n < 0 {
		if b.Readable() < binary.MaxVarintLen64 {
			return 0, ErrUnderflow
		}
		return 0, ErrMalformedVarint
	}
	b.off += n
	return v, nil
}

func (b *Buffer) readLength() (int, error) {
	n, err := b.ReadVarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(b.Readable()) {
		return 0, fmt.Errorf("length prefix %d exceeds %d readable bytes: %w", n, b.Readable(), ErrUnderflow)
	}
	return int(n), nil
}

// ReadBytes reads a length prefixed byte slice into a fresh copy.
func (b *Buffer) ReadBytes() ([]byte, error) {
	mark := b.off
	n, err := b.readLength()
	if err != nil {
		b.off = mark
		return nil, err
	}
	p, _ := b.next(n)
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// ReadRaw reads exactly n bytes without a length prefix.
func (b *Buffer) ReadRaw(n int) ([]byte, error) {
	p, err := b.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (b *Buffer) ReadString() (string, error) {
	mark := b.off
	n, err := b.readLength()
	if err != nil {
		b.off = mark
		return "", err
	}
	p, _ := b.next(n)
	return string(p), nil
}

func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	p, err := b.next(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], p)
	return id, nil
}

// ReadBuffer reads a nested buffer written by WriteBuffer.
func (b *Buffer) ReadBuffer() (*Buffer, error) {
	p, err := b.ReadBytes()
	if err != nil {
		return nil, err
	}
	return Wrap(p), nil
}

// ReadNullable reads a presence marker and, when present, calls read.
func (b *Buffer) ReadNullable(read func(*Buffer) error) (bool, error) {
	present, err := b.ReadBool()
	if err != nil || !present {
		return false, err
	}
	return true, read(b)
}

package buffer

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fleetnet/errdefs"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	id := uuid.New()
	nested := New().WriteString("inner").WriteInt32(7)

	buf := New().
		WriteBool(true).
		WriteUint8(0xAB).
		WriteInt16(-12).
		WriteInt32(math.MinInt32).
		WriteInt64(math.MaxInt64).
		WriteFloat32(1.5).
		WriteFloat64(-2.25).
		WriteChar('ß').
		WriteVarint(300).
		WriteBytes([]byte{1, 2, 3}).
		WriteString("hello, wörld").
		WriteUUID(id).
		WriteBuffer(nested)

	b, err := buf.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	u8, err := buf.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), u8)

	i16, err := buf.ReadInt16()
	require.NoError(t, err)
	require.Equal(t, int16(-12), i16)

	i32, err := buf.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(math.MinInt32), i32)

	i64, err := buf.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), i64)

	f32, err := buf.ReadFloat32()
	require.NoError(t, err)
	require.Equal(t, float32(1.5), f32)

	f64, err := buf.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, -2.25, f64)

	c, err := buf.ReadChar()
	require.NoError(t, err)
	require.Equal(t, 'ß', c)

	v, err := buf.ReadVarint()
	require.NoError(t, err)
	require.Equal(t, uint64(300), v)

	p, err := buf.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, p)

	s, err := buf.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello, wörld", s)

	gotID, err := buf.ReadUUID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	inner, err := buf.ReadBuffer()
	require.NoError(t, err)
	innerStr, err := inner.ReadString()
	require.NoError(t, err)
	require.Equal(t, "inner", innerStr)
	innerInt, err := inner.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(7), innerInt)

	require.Zero(t, buf.Readable())
}

func TestUnderflow(t *testing.T) {
	buf := Wrap([]byte{0, 1})

	_, err := buf.ReadInt32()
	require.ErrorIs(t, err, ErrUnderflow)
	require.ErrorIs(t, err, errdefs.ErrSerialization)
	// the cursor is untouched by a failed read
	require.Equal(t, 2, buf.Readable())

	v, err := buf.ReadInt16()
	require.NoError(t, err)
	require.Equal(t, int16(1), v)

	_, err = buf.ReadUint8()
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestLengthPrefixBeyondContent(t *testing.T) {
	buf := New().WriteVarint(10).WriteRaw([]byte("abc"))

	_, err := buf.ReadString()
	require.ErrorIs(t, err, ErrUnderflow)
	require.Equal(t, 4, buf.Readable())
}

func TestMarkReset(t *testing.T) {
	buf := New().WriteInt32(1).WriteInt32(2)

	_, err := buf.ReadInt32()
	require.NoError(t, err)
	buf.Mark()
	v, err := buf.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), v)

	buf.Reset()
	v, err = buf.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), v)
}

func TestNullable(t *testing.T) {
	buf := New().
		WriteNullable(false, nil).
		WriteNullable(true, func(b *Buffer) { b.WriteString("x") })

	present, err := buf.ReadNullable(func(*Buffer) error {
		t.Fatal("absent value must not be read")
		return nil
	})
	require.NoError(t, err)
	require.False(t, present)

	var s string
	present, err = buf.ReadNullable(func(b *Buffer) (err error) {
		s, err = b.ReadString()
		return
	})
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "x", s)
}

func TestReferenceCounting(t *testing.T) {
	buf := New().WriteInt32(42)
	require.Equal(t, int32(1), buf.RefCount())

	buf.Acquire()
	require.Equal(t, int32(2), buf.RefCount())

	require.NoError(t, buf.Release())
	v, err := buf.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(42), v)

	require.NoError(t, buf.Release())
	require.False(t, buf.Accessible())
	require.ErrorIs(t, buf.Release(), ErrReleased)

	_, err = buf.ReadInt32()
	require.ErrorIs(t, err, ErrReleased)
	require.Panics(t, func() { buf.WriteInt32(1) })
}

func TestCopyIsIndependent(t *testing.T) {
	buf := New().WriteInt32(1).WriteString("args")
	_, err := buf.ReadInt32()
	require.NoError(t, err)

	cp := buf.Copy()
	require.Equal(t, int32(1), cp.RefCount())

	_, err = buf.ReadString()
	require.NoError(t, err)
	require.NoError(t, buf.Release())

	s, err := cp.ReadString()
	require.NoError(t, err)
	require.Equal(t, "args", s)
	require.Zero(t, cp.Readable())
}

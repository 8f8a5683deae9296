package codec

import (
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"

	"fleetnet/buffer"
	"fleetnet/errdefs"
)

// kindSerializerFor returns the built-in encoding of t's kind.
func kindSerializerFor(t reflect.Type) (Serializer, error) {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.String:
		return scalarSerializer{}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return bytesSerializer{}, nil
		}
		return sequenceSerializer{}, nil
	case reflect.Array:
		return sequenceSerializer{}, nil
	case reflect.Map:
		return mapSerializer{}, nil
	case reflect.Pointer:
		return pointerSerializer{}, nil
	case reflect.Struct:
		return structSerializer{}, nil
	}
	return nil, unsupported(t)
}

// scalarSerializer encodes booleans, numbers and strings at their natural
// width. Unsigned 8/16/32 bit values reuse the signed encodings of the same
// width; wider unsigned values are varints.
type scalarSerializer struct{}

func (scalarSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		buf.WriteBool(v.Bool())
	case reflect.Int8:
		buf.WriteUint8(byte(v.Int()))
	case reflect.Int16:
		buf.WriteInt16(int16(v.Int()))
	case reflect.Int32:
		buf.WriteInt32(int32(v.Int()))
	case reflect.Int, reflect.Int64:
		buf.WriteInt64(v.Int())
	case reflect.Uint8:
		buf.WriteUint8(byte(v.Uint()))
	case reflect.Uint16:
		buf.WriteInt16(int16(v.Uint()))
	case reflect.Uint32:
		buf.WriteInt32(int32(v.Uint()))
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		buf.WriteVarint(v.Uint())
	case reflect.Float32:
		buf.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		buf.WriteFloat64(v.Float())
	case reflect.String:
		buf.WriteString(v.String())
	default:
		return unsupported(v.Type())
	}
	return nil
}

func (scalarSerializer) Read(_ *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	var err error
	switch t.Kind() {
	case reflect.Bool:
		var b bool
		b, err = buf.ReadBool()
		v.SetBool(b)
	case reflect.Int8:
		var b byte
		b, err = buf.ReadUint8()
		v.SetInt(int64(int8(b)))
	case reflect.Int16:
		var n int16
		n, err = buf.ReadInt16()
		v.SetInt(int64(n))
	case reflect.Int32:
		var n int32
		n, err = buf.ReadInt32()
		v.SetInt(int64(n))
	case reflect.Int, reflect.Int64:
		var n int64
		n, err = buf.ReadInt64()
		v.SetInt(n)
	case reflect.Uint8:
		var b byte
		b, err = buf.ReadUint8()
		v.SetUint(uint64(b))
	case reflect.Uint16:
		var n int16
		n, err = buf.ReadInt16()
		v.SetUint(uint64(uint16(n)))
	case reflect.Uint32:
		var n int32
		n, err = buf.ReadInt32()
		v.SetUint(uint64(uint32(n)))
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		var n uint64
		n, err = buf.ReadVarint()
		v.SetUint(n)
	case reflect.Float32:
		var f float32
		f, err = buf.ReadFloat32()
		v.SetFloat(float64(f))
	case reflect.Float64:
		var f float64
		f, err = buf.ReadFloat64()
		v.SetFloat(f)
	case reflect.String:
		var s string
		s, err = buf.ReadString()
		v.SetString(s)
	default:
		return reflect.Value{}, unsupported(t)
	}
	return v, err
}

type bytesSerializer struct{}

func (bytesSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteBytes(v.Bytes())
	return nil
}

func (bytesSerializer) Read(_ *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	p, err := buf.ReadBytes()
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	v.SetBytes(p)
	return v, nil
}

// maxSequenceLength bounds the element count of decoded slices and maps so a
// corrupt length cannot allocate unbounded memory.
const maxSequenceLength = 1 << 24

func readLength(buf *buffer.Buffer) (int, error) {
	n, err := buf.ReadVarint()
	if err != nil {
		return 0, err
	}
	if n > maxSequenceLength || int(n) > buf.Readable() {
		return 0, errdefs.Errorf(errdefs.KindSerialization, "codec", "sequence length %d exceeds readable bytes", n)
	}
	return int(n), nil
}

// sequenceSerializer writes slices and arrays as a varint element count
// followed by each element.
type sequenceSerializer struct{}

func (sequenceSerializer) Write(m *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteVarint(uint64(v.Len()))
	for i := 0; i < v.Len(); i++ {
		if err := m.WriteValue(buf, v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (sequenceSerializer) Read(m *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	n, err := readLength(buf)
	if err != nil {
		return reflect.Value{}, err
	}
	var v reflect.Value
	if t.Kind() == reflect.Array {
		if n != t.Len() {
			return reflect.Value{}, errdefs.Errorf(errdefs.KindSerialization, "codec",
				"array %s has %d elements, got %d", t, t.Len(), n)
		}
		v = reflect.New(t).Elem()
	} else {
		v = reflect.MakeSlice(t, n, n)
	}
	for i := 0; i < n; i++ {
		elem, _, err := m.ReadValue(buf, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		v.Index(i).Set(elem)
	}
	return v, nil
}

type mapSerializer struct{}

func (mapSerializer) Write(m *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteVarint(uint64(v.Len()))
	iter := v.MapRange()
	for iter.Next() {
		if err := m.WriteValue(buf, iter.Key()); err != nil {
			return err
		}
		if err := m.WriteValue(buf, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (mapSerializer) Read(m *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	n, err := readLength(buf)
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.MakeMapWithSize(t, n)
	for i := 0; i < n; i++ {
		key, _, err := m.ReadValue(buf, t.Key())
		if err != nil {
			return reflect.Value{}, err
		}
		val, _, err := m.ReadValue(buf, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		v.SetMapIndex(key, val)
	}
	return v, nil
}

// pointerSerializer writes the pointed-to value; nil pointers never reach it
// because the presence marker already covers them.
type pointerSerializer struct{}

func (pointerSerializer) Write(m *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	return m.write(buf, v.Elem())
}

func (pointerSerializer) Read(m *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	elem, err := m.read(buf, t.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	p := reflect.New(t.Elem())
	p.Elem().Set(elem)
	return p, nil
}

type structSerializer struct{}

func (structSerializer) Write(m *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	for _, f := range m.shapeOf(v.Type()).fields {
		if err := m.WriteValue(buf, v.FieldByIndex(f.index)); err != nil {
			return errdefs.New(errdefs.KindSerialization, "codec", fieldError(v.Type(), f, err))
		}
	}
	return nil
}

func (structSerializer) Read(m *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	s := m.shapeOf(t)
	v := s.construct()
	for _, f := range s.fields {
		fv, _, err := m.ReadValue(buf, f.typ)
		if err != nil {
			return reflect.Value{}, errdefs.New(errdefs.KindSerialization, "codec", fieldError(t, f, err))
		}
		v.FieldByIndex(f.index).Set(fv)
	}
	return v, nil
}

func fieldError(t reflect.Type, f field, err error) error {
	return errors.Join(errors.New(t.String()+"."+f.name), err)
}

type uuidSerializer struct{}

func (uuidSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteUUID(v.Interface().(uuid.UUID))
	return nil
}

func (uuidSerializer) Read(_ *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	id, err := buf.ReadUUID()
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(id), nil
}

// timeSerializer writes instants as unix nanoseconds; the location is not
// preserved.
type timeSerializer struct{}

func (timeSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteInt64(v.Interface().(time.Time).UnixNano())
	return nil
}

func (timeSerializer) Read(_ *Mapper, buf *buffer.Buffer, _ reflect.Type) (reflect.Value, error) {
	n, err := buf.ReadInt64()
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(time.Unix(0, n)), nil
}

type durationSerializer struct{}

func (durationSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteInt64(v.Int())
	return nil
}

func (durationSerializer) Read(_ *Mapper, buf *buffer.Buffer, _ reflect.Type) (reflect.Value, error) {
	n, err := buf.ReadInt64()
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(time.Duration(n)), nil
}

// bufferSerializer nests a buffer's unread content.
type bufferSerializer struct{}

func (bufferSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteBuffer(v.Interface().(*buffer.Buffer))
	return nil
}

func (bufferSerializer) Read(_ *Mapper, buf *buffer.Buffer, _ reflect.Type) (reflect.Value, error) {
	nested, err := buf.ReadBuffer()
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(nested), nil
}

// errorSerializer carries only the message of an error value. It is bound to
// the error interface exactly, concrete error types keep their own encoding.
type errorSerializer struct{}

func (errorSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	buf.WriteString(v.Interface().(error).Error())
	return nil
}

func (errorSerializer) Read(_ *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	msg, err := buf.ReadString()
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(errors.New(msg)), nil
}

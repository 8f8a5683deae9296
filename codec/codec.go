// Package codec maps Go values to and from buffer content.
//
// The wire carries no type information: the reading side always knows the
// type it expects (an RPC parameter, a declared return type) and asks the
// Mapper to read exactly that type. Every value is preceded by a presence
// marker so nil pointers, slices, maps and interfaces survive the trip.
//
// A serializer for type T is resolved in this order:
//  1. a serializer registered for exactly T
//  2. the first registered interface serializer T implements
//  3. the built-in encoding of T's kind (numbers, strings, slices, maps, ...)
//  4. the reflective struct encoding over T's exported fields
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/network"
)

// Serializer writes and reads values of one type. Read receives the type the
// caller expects, which may be an interface the serializer was registered for.
type Serializer interface {
	Write(m *Mapper, buf *buffer.Buffer, v reflect.Value) error
	Read(m *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error)
}

type registration struct {
	typ        reflect.Type
	serializer Serializer
	owner      *network.Owner
}

// Mapper is safe for concurrent use. Registrations are expected to be rare
// compared to reads and writes.
type Mapper struct {
	mu     sync.RWMutex
	exact  map[reflect.Type]*registration
	ifaces []*registration // registration order

	resolved sync.Map // reflect.Type -> Serializer
	shapes   sync.Map // reflect.Type -> *shape
	shapeMu  sync.Mutex
}

// Default is the mapper used by rpc and chunk unless configured otherwise.
var Default = New()

// New returns a mapper with the default serializers registered.
func New() *Mapper {
	m := &Mapper{exact: make(map[reflect.Type]*registration)}
	m.Register(reflect.TypeFor[uuid.UUID](), uuidSerializer{})
	m.Register(reflect.TypeFor[time.Time](), timeSerializer{})
	m.Register(reflect.TypeFor[time.Duration](), durationSerializer{})
	m.Register(reflect.TypeFor[*buffer.Buffer](), bufferSerializer{})
	m.Register(reflect.TypeFor[json.RawMessage](), JSONSerializer{})
	m.Register(reflect.TypeFor[map[string]any](), JSONSerializer{})
	m.exact[reflect.TypeFor[error]()] = &registration{typ: reflect.TypeFor[error](), serializer: errorSerializer{}}
	return m
}

// Register binds s to t, replacing an earlier registration of t. An
// interface type matches every type implementing it.
func (m *Mapper) Register(t reflect.Type, s Serializer) {
	m.RegisterOwned(nil, t, s)
}

// RegisterOwned is Register with an owner tag for UnregisterByOwner.
func (m *Mapper) RegisterOwned(owner *network.Owner, t reflect.Type, s Serializer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := &registration{typ: t, serializer: s, owner: owner}
	if t.Kind() == reflect.Interface {
		for i, r := range m.ifaces {
			if r.typ == t {
				m.ifaces[i] = reg
				m.resolved.Clear()
				return
			}
		}
		m.ifaces = append(m.ifaces, reg)
	}
	m.exact[t] = reg
	m.resolved.Clear()
}

// Unregister removes the serializer registered for t.
func (m *Mapper) Unregister(t reflect.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(func(r *registration) bool { return r.typ == t })
}

// UnregisterByOwner removes every serializer registered with owner.
func (m *Mapper) UnregisterByOwner(owner *network.Owner) {
	if owner == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(func(r *registration) bool { return r.owner == owner })
}

func (m *Mapper) remove(match func(*registration) bool) {
	for t, r := range m.exact {
		if match(r) {
			delete(m.exact, t)
		}
	}
	kept := m.ifaces[:0]
	for _, r := range m.ifaces {
		if !match(r) {
			kept = append(kept, r)
		}
	}
	clear(m.ifaces[len(kept):])
	m.ifaces = kept
	m.resolved.Clear()
}

// Registered reports whether a serializer is registered for exactly t.
func (m *Mapper) Registered(t reflect.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.exact[t]
	return ok
}

func (m *Mapper) serializerFor(t reflect.Type) (Serializer, error) {
	if s, ok := m.resolved.Load(t); ok {
		return s.(Serializer), nil
	}

	// the cache is only cleared under the write lock, so storing under the
	// read lock never brings back a serializer unregistered meanwhile
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Serializer
	if r, ok := m.exact[t]; ok {
		s = r.serializer
	} else {
		for _, r := range m.ifaces {
			if t.Implements(r.typ) {
				s = r.serializer
				break
			}
		}
	}
	if s == nil {
		var err error
		if s, err = kindSerializerFor(t); err != nil {
			return nil, err
		}
	}
	m.resolved.Store(t, s)
	return s, nil
}

// WriteObject writes v preceded by its presence marker. A nil v is written
// as absent.
func (m *Mapper) WriteObject(buf *buffer.Buffer, v any) error {
	return m.WriteValue(buf, reflect.ValueOf(v))
}

// WriteValue is WriteObject for a reflect.Value.
func (m *Mapper) WriteValue(buf *buffer.Buffer, v reflect.Value) error {
	if isAbsent(v) {
		buf.WriteBool(false)
		return nil
	}
	buf.WriteBool(true)
	return m.write(buf, v)
}

func (m *Mapper) write(buf *buffer.Buffer, v reflect.Value) error {
	s, err := m.serializerFor(v.Type())
	if err != nil {
		return err
	}
	return s.Write(m, buf, v)
}

// ReadValue reads a value of type t written by WriteValue. An absent value
// reads as the zero value of t with present set to false.
func (m *Mapper) ReadValue(buf *buffer.Buffer, t reflect.Type) (v reflect.Value, present bool, err error) {
	present, err = buf.ReadBool()
	if err != nil {
		return reflect.Value{}, false, err
	}
	if !present {
		return reflect.Zero(t), false, nil
	}
	v, err = m.read(buf, t)
	return v, true, err
}

func (m *Mapper) read(buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	s, err := m.serializerFor(t)
	if err != nil {
		return reflect.Value{}, err
	}
	v, err := s.Read(m, buf, t)
	if err != nil {
		return reflect.Value{}, err
	}
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	if v.Type() != t {
		if !v.Type().AssignableTo(t) {
			return reflect.Value{}, errdefs.Errorf(errdefs.KindSerialization, "codec",
				"serializer for %s produced %s", t, v.Type())
		}
		conv := reflect.New(t).Elem()
		conv.Set(v)
		v = conv
	}
	return v, nil
}

// ReadObject reads a value of type t; an absent value reads as nil.
func (m *Mapper) ReadObject(buf *buffer.Buffer, t reflect.Type) (any, error) {
	v, present, err := m.ReadValue(buf, t)
	if err != nil || !present {
		return nil, err
	}
	return v.Interface(), nil
}

// Write writes v with m.
func Write[T any](m *Mapper, buf *buffer.Buffer, v T) error {
	return m.WriteValue(buf, reflect.ValueOf(&v).Elem())
}

// Read reads a T with m.
func Read[T any](m *Mapper, buf *buffer.Buffer) (T, error) {
	var zero T
	v, present, err := m.ReadValue(buf, reflect.TypeFor[T]())
	if err != nil || !present {
		return zero, err
	}
	return v.Interface().(T), nil
}

func isAbsent(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// funcSerializer adapts a pair of typed functions.
type funcSerializer[T any] struct {
	write func(*buffer.Buffer, T) error
	read  func(*buffer.Buffer) (T, error)
}

func (s funcSerializer[T]) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	return s.write(buf, v.Interface().(T))
}

func (s funcSerializer[T]) Read(_ *Mapper, buf *buffer.Buffer, _ reflect.Type) (reflect.Value, error) {
	v, err := s.read(buf)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(&v).Elem(), nil
}

// RegisterFunc registers typed write and read functions for T.
func RegisterFunc[T any](m *Mapper, owner *network.Owner, write func(*buffer.Buffer, T) error, read func(*buffer.Buffer) (T, error)) {
	m.RegisterOwned(owner, reflect.TypeFor[T](), funcSerializer[T]{write: write, read: read})
}

func unsupported(t reflect.Type) error {
	return errdefs.New(errdefs.KindSerialization, "codec", fmt.Errorf("no serializer for %s", t))
}

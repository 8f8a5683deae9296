package codec

import (
	"reflect"
	"strings"
)

type field struct {
	name  string
	index []int
	typ   reflect.Type
}

// shape is the cached field layout of a struct type.
type shape struct {
	typ    reflect.Type
	fields []field
}

func (s *shape) construct() reflect.Value {
	return reflect.New(s.typ).Elem()
}

// shapeOf returns the cached shape of t, computing it on first use. Cached
// shapes are read without locking; computation happens at most once per type.
func (m *Mapper) shapeOf(t reflect.Type) *shape {
	if s, ok := m.shapes.Load(t); ok {
		return s.(*shape)
	}

	m.shapeMu.Lock()
	defer m.shapeMu.Unlock()
	if s, ok := m.shapes.Load(t); ok {
		return s.(*shape)
	}
	s := computeShape(t)
	m.shapes.Store(t, s)
	return s
}

// computeShape lists the exported fields of t in declaration order. Fields
// tagged `codec:"-"` are skipped.
func computeShape(t reflect.Type) *shape {
	s := &shape{typ: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if name, _, _ := strings.Cut(f.Tag.Get("codec"), ","); name == "-" {
			continue
		}
		s.fields = append(s.fields, field{name: f.Name, index: f.Index, typ: f.Type})
	}
	return s
}

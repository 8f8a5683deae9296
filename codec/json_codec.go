package codec

import (
	"bytes"
	"encoding/json"
	"reflect"

	"fleetnet/buffer"
	"fleetnet/errdefs"
)

// JSONSerializer writes a value as a compact JSON document in a
// length-prefixed string. It serves json.RawMessage and map[string]any by
// default and can be registered for any type encoding/json handles, which
// keeps documents readable by peers that know nothing about Go types.
type JSONSerializer struct{}

func (JSONSerializer) Write(_ *Mapper, buf *buffer.Buffer, v reflect.Value) error {
	var doc []byte
	if raw, ok := v.Interface().(json.RawMessage); ok {
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return errdefs.New(errdefs.KindSerialization, "codec json", err)
		}
		doc = compact.Bytes()
	} else {
		var err error
		if doc, err = json.Marshal(v.Interface()); err != nil {
			return errdefs.New(errdefs.KindSerialization, "codec json", err)
		}
	}
	buf.WriteBytes(doc)
	return nil
}

func (JSONSerializer) Read(_ *Mapper, buf *buffer.Buffer, t reflect.Type) (reflect.Value, error) {
	doc, err := buf.ReadBytes()
	if err != nil {
		return reflect.Value{}, err
	}
	if t == reflect.TypeFor[json.RawMessage]() {
		if !json.Valid(doc) {
			return reflect.Value{}, errdefs.Errorf(errdefs.KindSerialization, "codec json", "invalid document")
		}
		return reflect.ValueOf(json.RawMessage(doc)), nil
	}
	p := reflect.New(t)
	if err := json.Unmarshal(doc, p.Interface()); err != nil {
		return reflect.Value{}, errdefs.New(errdefs.KindSerialization, "codec json", err)
	}
	return p.Elem(), nil
}

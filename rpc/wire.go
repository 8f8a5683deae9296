package rpc

import (
	"errors"
	"fmt"
	"reflect"

	"fleetnet/buffer"
	"fleetnet/codec"
	"fleetnet/errdefs"
)

// request content:  [targetType][method][argCount int32][normalizePrimitives][strictInstanceUsage][args...]
// response content: [success] then [result] or [failureType][failureMessage]

type requestHeader struct {
	targetType          string
	method              string
	argCount            int32
	normalizePrimitives bool
	strictInstanceUsage bool
}

func readRequestHeader(buf *buffer.Buffer) (requestHeader, error) {
	var (
		h   requestHeader
		err error
	)
	if h.targetType, err = buf.ReadString(); err != nil {
		return h, err
	}
	if h.method, err = buf.ReadString(); err != nil {
		return h, err
	}
	if h.argCount, err = buf.ReadInt32(); err != nil {
		return h, err
	}
	if h.argCount < 0 {
		return h, errdefs.Errorf(errdefs.KindSerialization, "rpc request", "negative argument count %d", h.argCount)
	}
	if h.normalizePrimitives, err = buf.ReadBool(); err != nil {
		return h, err
	}
	h.strictInstanceUsage, err = buf.ReadBool()
	return h, err
}

func writeRequest(m *codec.Mapper, h requestHeader, params []reflect.Type, args []any) (*buffer.Buffer, error) {
	buf := buffer.New().
		WriteString(h.targetType).
		WriteString(h.method).
		WriteInt32(h.argCount).
		WriteBool(h.normalizePrimitives).
		WriteBool(h.strictInstanceUsage)
	for i, arg := range args {
		v, err := argumentValue(arg, params[i])
		if err == nil {
			err = m.WriteValue(buf, v)
		}
		if err != nil {
			buf.Release()
			return nil, fmt.Errorf("argument %d of %s: %w", i, h.method, err)
		}
	}
	return buf, nil
}

// argumentValue converts arg to the declared parameter type so the callee
// reads exactly what was written, e.g. an int literal for an int32 parameter.
// A nil arg is written absent.
func argumentValue(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Value{}, nil
	}
	v := reflect.ValueOf(arg)
	switch {
	case v.Type() == t:
		return v, nil
	case v.Type().AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(v)
		return out, nil
	case isPrimitive(v.Type()) && isPrimitive(t) || v.Kind() == reflect.String && t.Kind() == reflect.String:
		return v.Convert(t), nil
	}
	return reflect.Value{}, errdefs.Errorf(errdefs.KindSerialization, "rpc request",
		"cannot use %s as %s", v.Type(), t)
}

// RemoteError is a failure raised by the remote target. Type is the Go type
// of the remote error, Message its text.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Type + ": " + e.Message
}

func writeResponse(m *codec.Mapper, res *HandlingResult) *buffer.Buffer {
	buf := buffer.New()
	if res.Successful {
		v, err := resultValue(res)
		if err == nil {
			err = m.WriteValue(buf.WriteBool(true), v)
		}
		if err == nil {
			return buf
		}
		buf.Release()
		buf = buffer.New()
		res = failed(res.Handler, res.Method, errdefs.New(errdefs.KindSerialization, "rpc response", err))
	}
	buf.WriteBool(false)
	writeFailure(buf, res.Err)
	return buf
}

// resultValue types the result as the method's declared return type. Custom
// invokers may return anything, so the result is checked first.
func resultValue(res *HandlingResult) (reflect.Value, error) {
	if res.Result == nil || res.Method == nil || res.Method.ReturnType == nil {
		return reflect.Value{}, nil
	}
	rv := reflect.ValueOf(res.Result)
	if !rv.Type().AssignableTo(res.Method.ReturnType) {
		return reflect.Value{}, fmt.Errorf("%s returned %s, declared %s", res.Method.Name, rv.Type(), res.Method.ReturnType)
	}
	v := reflect.New(res.Method.ReturnType).Elem()
	v.Set(rv)
	return v, nil
}

func writeFailure(buf *buffer.Buffer, err error) {
	var remote *RemoteError
	var panicked *PanicError
	switch {
	case errors.As(err, &remote):
		buf.WriteString(remote.Type).WriteString(remote.Message)
	case errors.As(err, &panicked):
		buf.WriteString("panic").WriteString(fmt.Sprint(panicked.Value))
	default:
		buf.WriteString(fmt.Sprintf("%T", err)).WriteString(err.Error())
	}
}

// readResponse decodes a response to a call of mi.
func readResponse(m *codec.Mapper, mi *MethodInformation, buf *buffer.Buffer) (any, error) {
	ok, err := buf.ReadBool()
	if err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, "rpc response", err)
	}
	if !ok {
		typ, err := buf.ReadString()
		if err != nil {
			return nil, errdefs.New(errdefs.KindSerialization, "rpc response", err)
		}
		msg, err := buf.ReadString()
		if err != nil {
			return nil, errdefs.New(errdefs.KindSerialization, "rpc response", err)
		}
		return nil, errdefs.New(errdefs.KindRemoteFailure, "rpc "+mi.String(), &RemoteError{Type: typ, Message: msg})
	}

	if mi.ReturnType == nil {
		if _, err := m.ReadObject(buf, reflect.TypeFor[struct{}]()); err != nil {
			return nil, errdefs.New(errdefs.KindSerialization, "rpc response", err)
		}
		return nil, nil
	}
	v, err := m.ReadObject(buf, mi.ReturnType)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, "rpc response", err)
	}
	return v, nil
}

package rpc

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"fleetnet/errdefs"
)

// MethodInvoker calls one method on an instance. args excludes the context,
// which is passed separately to methods taking one.
type MethodInvoker interface {
	Invoke(ctx context.Context, instance reflect.Value, args []reflect.Value) (reflect.Value, error)
}

// InvokerFunc adapts a function to MethodInvoker.
type InvokerFunc func(ctx context.Context, instance reflect.Value, args []reflect.Value) (reflect.Value, error)

func (f InvokerFunc) Invoke(ctx context.Context, instance reflect.Value, args []reflect.Value) (reflect.Value, error) {
	return f(ctx, instance, args)
}

type invokerKey struct {
	typ   reflect.Type // concrete instance type
	name  string       // lower-cased
	arity int
}

var (
	customInvokers sync.Map // invokerKey -> MethodInvoker
	invokerCache   sync.Map // invokerKey -> MethodInvoker
)

// RegisterInvoker installs inv for calls of name with arity parameters on
// instances of the concrete type t, bypassing reflection. It is meant for
// generated or hand-written specializations of hot methods.
func RegisterInvoker(t reflect.Type, name string, arity int, inv MethodInvoker) {
	key := invokerKey{typ: t, name: strings.ToLower(name), arity: arity}
	customInvokers.Store(key, inv)
	invokerCache.Delete(key)
}

// invokerFor returns the invoker for info on instances of type t, building
// and caching a reflective one on first use.
func invokerFor(t reflect.Type, info *MethodInformation) (MethodInvoker, error) {
	key := invokerKey{typ: t, name: strings.ToLower(info.Name), arity: len(info.ParameterTypes)}
	if inv, ok := customInvokers.Load(key); ok {
		return inv.(MethodInvoker), nil
	}
	if inv, ok := invokerCache.Load(key); ok {
		return inv.(MethodInvoker), nil
	}

	m, ok := t.MethodByName(info.Name)
	if !ok {
		return nil, errdefs.Errorf(errdefs.KindNotFound, "invoke", "%s does not implement %s", t, info.Name)
	}
	inv := &reflectInvoker{index: m.Index, info: info}
	actual, _ := invokerCache.LoadOrStore(key, inv)
	return actual.(MethodInvoker), nil
}

// reflectInvoker calls a method by its index in the instance's method set,
// looked up once per concrete type.
type reflectInvoker struct {
	index int
	info  *MethodInformation
}

func (r *reflectInvoker) Invoke(ctx context.Context, instance reflect.Value, args []reflect.Value) (reflect.Value, error) {
	in := args
	if r.info.TakesContext {
		in = make([]reflect.Value, 0, len(args)+1)
		in = append(in, reflect.ValueOf(&ctx).Elem())
		in = append(in, args...)
	}

	method := instance.Method(r.index)
	var out []reflect.Value
	if r.info.Variadic {
		out = method.CallSlice(in)
	} else {
		out = method.Call(in)
	}

	var (
		result reflect.Value
		err    error
	)
	if r.info.ReturnType != nil {
		result = out[0]
	}
	if r.info.ReturnsError {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return result, err
}

// Package rpc turns method calls into packets and packets back into calls.
//
// Caller side:
//
//	NewSender(type) → InvokeMethod(name, args...) → RPC
//	  → FireAndForget / FireSync / Fire   (request packet on network.ChannelRPC)
//
// Callee side:
//
//	Listener (network.ChannelRPC) → HandlerRegistry → middleware chain
//	  → Handler.Handle → cached MethodInvoker → response packet
//
// Targets are identified by the canonical name of their declared type (see
// TypeName) and methods by name and parameter count. Names match case
// insensitively, so a type must not expose two methods whose names differ
// only in case and that take the same number of parameters: resolving such a
// pair fails with an AmbiguousMethodError.
package rpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"fleetnet/errdefs"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// TypeName returns the canonical name of t used on the wire: the package path
// and type name of t, pointers dereferenced.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// MethodInformation describes one RPC-callable method. It is computed once
// per (type, name, parameter count) and never modified afterwards.
type MethodInformation struct {
	Name string
	// DeclaringType is the type the method was resolved on.
	DeclaringType reflect.Type
	// ParameterTypes excludes the receiver and a leading context.Context.
	ParameterTypes []reflect.Type
	// ReturnType is nil for methods returning nothing or only an error.
	ReturnType   reflect.Type
	ReturnsError bool
	TakesContext bool
	Variadic     bool
}

func (mi *MethodInformation) String() string {
	return fmt.Sprintf("%s.%s/%d", TypeName(mi.DeclaringType), mi.Name, len(mi.ParameterTypes))
}

// AmbiguousMethodError reports that a name and parameter count matched more
// than one method.
type AmbiguousMethodError struct {
	Type       string
	Name       string
	Arity      int
	Candidates []string
}

func (e *AmbiguousMethodError) Error() string {
	return fmt.Sprintf("cannot decide which method to invoke: %s has %d methods matching %q with %d parameters: %s",
		e.Type, len(e.Candidates), e.Name, e.Arity, strings.Join(e.Candidates, ", "))
}

type methodKey struct {
	typ   reflect.Type
	name  string
	arity int
}

type resolved struct {
	info *MethodInformation
	err  error
}

var methodCache sync.Map // methodKey -> resolved

// ResolveMethod finds the method of t called name that takes arity
// parameters. Results are cached, ambiguity failures included. Names that
// match nothing are not, since peers choose them.
func ResolveMethod(t reflect.Type, name string, arity int) (*MethodInformation, error) {
	t = methodSetType(t)
	key := methodKey{typ: t, name: strings.ToLower(name), arity: arity}
	if r, ok := methodCache.Load(key); ok {
		r := r.(resolved)
		return r.info, r.err
	}
	info, err := resolveMethod(t, name, arity)
	if errdefs.Is(err, errdefs.KindNotFound) {
		return nil, err
	}
	r, _ := methodCache.LoadOrStore(key, resolved{info: info, err: err})
	return r.(resolved).info, r.(resolved).err
}

// methodSetType widens struct and other value types to their pointer type so
// methods with pointer receivers are visible.
func methodSetType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Interface || t.Kind() == reflect.Pointer {
		return t
	}
	return reflect.PointerTo(t)
}

func resolveMethod(t reflect.Type, name string, arity int) (*MethodInformation, error) {
	var (
		matches []*MethodInformation
		valid   bool
	)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.EqualFold(m.Name, name) {
			continue
		}
		info, ok := describe(t, m)
		if len(info.ParameterTypes) == arity {
			matches = append(matches, info)
			valid = ok
		}
	}

	switch len(matches) {
	case 0:
		return nil, errdefs.Errorf(errdefs.KindNotFound, "resolve method",
			"%s has no method %q with %d parameters", TypeName(t), name, arity)
	case 1:
		if !valid {
			return nil, errdefs.Errorf(errdefs.KindNotFound, "resolve method",
				"%s.%s has unsupported results, want (), (R), (error) or (R, error)", TypeName(t), matches[0].Name)
		}
		return matches[0], nil
	default:
		candidates := make([]string, len(matches))
		for i, m := range matches {
			candidates[i] = m.Name
		}
		return nil, errdefs.New(errdefs.KindAmbiguous, "resolve method", &AmbiguousMethodError{
			Type:       TypeName(t),
			Name:       name,
			Arity:      arity,
			Candidates: candidates,
		})
	}
}

// describe builds the MethodInformation of m and reports whether its results
// have a supported shape.
func describe(t reflect.Type, m reflect.Method) (*MethodInformation, bool) {
	ft := m.Type
	in := 0
	if t.Kind() != reflect.Interface {
		in = 1 // receiver
	}
	info := &MethodInformation{Name: m.Name, DeclaringType: t, Variadic: ft.IsVariadic()}
	if in < ft.NumIn() && ft.In(in) == contextType {
		info.TakesContext = true
		in++
	}
	for ; in < ft.NumIn(); in++ {
		info.ParameterTypes = append(info.ParameterTypes, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
		return info, true
	case 1:
		if ft.Out(0) == errorType {
			info.ReturnsError = true
		} else {
			info.ReturnType = ft.Out(0)
		}
		return info, true
	case 2:
		info.ReturnType = ft.Out(0)
		info.ReturnsError = true
		return info, ft.Out(1) == errorType
	}
	return info, false
}

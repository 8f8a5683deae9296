package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"fleetnet/buffer"
	"fleetnet/codec"
	"fleetnet/errdefs"
	"fleetnet/network"
)

var (
	MetricInvokeCount        = []string{"fleetnet", "rpc", "invoke", "count"}
	MetricInvokeFailureCount = []string{"fleetnet", "rpc", "invoke", "failure", "count"}
)

// InvocationContext is everything one call needs on the callee side. It is
// built by the Listener from a request packet and consumed by one Handle.
type InvocationContext struct {
	Channel       network.Channel
	TargetType    string
	MethodName    string
	ArgumentCount int
	// ExpectsResult is set when the caller waits for a response.
	ExpectsResult       bool
	NormalizePrimitives bool
	StrictInstanceUsage bool
	// Arguments holds the encoded arguments, positioned at the first one.
	Arguments *buffer.Buffer
	// Instance, when set, is called instead of the handler's bound instance.
	Instance any
}

// HandlingResult is the outcome of one Handle call: the return value when
// Successful, the failure in Err otherwise.
type HandlingResult struct {
	Successful bool
	Result     any
	Err        error
	Handler    *Handler
	Method     *MethodInformation
}

func failed(h *Handler, mi *MethodInformation, err error) *HandlingResult {
	return &HandlingResult{Err: err, Handler: h, Method: mi}
}

// PanicError is the failure of a call whose target panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Handler exposes the methods of one declared type to remote callers.
type Handler struct {
	target   reflect.Type
	name     string
	instance reflect.Value
	mapper   *codec.Mapper
	logger   *zap.Logger
}

type HandlerOption func(*Handler)

func WithHandlerMapper(m *codec.Mapper) HandlerOption {
	return func(h *Handler) {
		if m != nil {
			h.mapper = m
		}
	}
}

func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a handler for calls addressed to target. instance may
// be nil, in which case calls need an instance override or fall back to a
// zero instance of target (see InvocationContext.StrictInstanceUsage).
func NewHandler(target reflect.Type, instance any, opts ...HandlerOption) *Handler {
	h := &Handler{
		target: target,
		name:   TypeName(target),
		mapper: codec.Default,
		logger: zap.L(),
	}
	if instance != nil {
		h.instance = reflect.ValueOf(instance)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// TargetType returns the canonical name calls are addressed to.
func (h *Handler) TargetType() string {
	return h.name
}

func (h *Handler) Mapper() *codec.Mapper {
	return h.mapper
}

// Handle resolves, decodes and invokes the call described by inv. Failures
// of any kind, panics included, are returned as unsuccessful results.
func (h *Handler) Handle(ctx context.Context, inv *InvocationContext) (res *HandlingResult) {
	metrics.IncrCounter(MetricInvokeCount, 1)
	defer func() {
		if !res.Successful {
			metrics.IncrCounter(MetricInvokeFailureCount, 1)
		}
	}()

	mi, err := ResolveMethod(h.target, inv.MethodName, inv.ArgumentCount)
	if err != nil {
		return failed(h, nil, err)
	}

	instance, err := h.instanceFor(inv)
	if err != nil {
		return failed(h, mi, err)
	}
	args, err := h.decodeArguments(mi, inv)
	if err != nil {
		return failed(h, mi, err)
	}
	invoker, err := invokerFor(instance.Type(), mi)
	if err != nil {
		return failed(h, mi, err)
	}

	result, err := h.invoke(ctx, invoker, instance, args)
	if err != nil {
		var panicked *PanicError
		if errors.As(err, &panicked) {
			h.logger.Error("rpc target panicked",
				zap.Stringer("method", mi),
				zap.Any("panic", panicked.Value),
				zap.ByteString("stack", panicked.Stack))
		}
		return failed(h, mi, err)
	}
	res = &HandlingResult{Successful: true, Handler: h, Method: mi}
	if result.IsValid() {
		res.Result = result.Interface()
	}
	return res
}

func (h *Handler) invoke(ctx context.Context, invoker MethodInvoker, instance reflect.Value, args []reflect.Value) (result reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return invoker.Invoke(ctx, instance, args)
}

func (h *Handler) instanceFor(inv *InvocationContext) (reflect.Value, error) {
	if inv.Instance != nil {
		return reflect.ValueOf(inv.Instance), nil
	}
	if h.instance.IsValid() {
		return h.instance, nil
	}
	if inv.StrictInstanceUsage || h.target.Kind() == reflect.Interface {
		return reflect.Value{}, errdefs.Errorf(errdefs.KindNotFound, "invoke",
			"no instance bound to handler for %s", h.name)
	}
	// a fresh zero instance; pointer so pointer receiver methods are callable
	t := h.target
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflect.New(t), nil
}

func (h *Handler) decodeArguments(mi *MethodInformation, inv *InvocationContext) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(mi.ParameterTypes))
	for i, pt := range mi.ParameterTypes {
		v, present, err := h.mapper.ReadValue(inv.Arguments, pt)
		if err != nil {
			return nil, errdefs.New(errdefs.KindSerialization, fmt.Sprintf("argument %d of %s", i, mi), err)
		}
		if !present && !inv.NormalizePrimitives && isPrimitive(pt) {
			return nil, errdefs.Errorf(errdefs.KindSerialization, "decode arguments",
				"argument %d of %s is absent but %s cannot be nil", i, mi, pt)
		}
		args[i] = v
	}
	return args, nil
}

func isPrimitive(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// HandlerFunc handles one invocation; Middleware wraps it.
type HandlerFunc func(ctx context.Context, inv *InvocationContext) *HandlingResult

// Middleware wraps a HandlerFunc to add behavior around invocations.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
// Chain(A, B, C)(h) = A(B(C(h))), execution order: A → B → C → h → C → B → A.
func Chain(mws ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

type registeredHandler struct {
	handler *Handler
	owner   *network.Owner
}

// HandlerRegistry maps canonical type names to handlers. It is safe for
// concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
	mws      []Middleware
	chain    HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]registeredHandler)}
	r.chain = r.dispatch
	return r
}

// Register adds h, replacing the handler registered for the same type.
func (r *HandlerRegistry) Register(h *Handler) {
	r.RegisterOwned(nil, h)
}

// RegisterOwned is Register with an owner tag for UnregisterByOwner.
func (r *HandlerRegistry) RegisterOwned(owner *network.Owner, h *Handler) {
	r.mu.Lock()
	r.handlers[h.name] = registeredHandler{handler: h, owner: owner}
	r.mu.Unlock()
}

// Unregister removes the handler for the canonical type name.
func (r *HandlerRegistry) Unregister(typeName string) {
	r.mu.Lock()
	delete(r.handlers, typeName)
	r.mu.Unlock()
}

// UnregisterHandler removes h if it is still the registered handler of its type.
func (r *HandlerRegistry) UnregisterHandler(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.handlers[h.name]; ok && reg.handler == h {
		delete(r.handlers, h.name)
	}
}

// UnregisterByOwner removes every handler registered with owner.
func (r *HandlerRegistry) UnregisterByOwner(owner *network.Owner) {
	if owner == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.handlers {
		if reg.owner == owner {
			delete(r.handlers, name)
		}
	}
}

// Handler returns the handler registered for typeName, nil if there is none.
func (r *HandlerRegistry) Handler(typeName string) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[typeName].handler
}

// Handlers returns a snapshot of the registered handlers by type name.
func (r *HandlerRegistry) Handlers() map[string]*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Handler, len(r.handlers))
	for name, reg := range r.handlers {
		out[name] = reg.handler
	}
	return out
}

// Use appends middlewares run around every invocation, in the order added.
func (r *HandlerRegistry) Use(mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mws = append(r.mws, mws...)
	// built once here, not per request
	r.chain = Chain(r.mws...)(r.dispatch)
}

// Handle runs inv through the middleware chain to its handler.
func (r *HandlerRegistry) Handle(ctx context.Context, inv *InvocationContext) *HandlingResult {
	r.mu.RLock()
	chain := r.chain
	r.mu.RUnlock()
	return chain(ctx, inv)
}

func (r *HandlerRegistry) dispatch(ctx context.Context, inv *InvocationContext) *HandlingResult {
	h := r.Handler(inv.TargetType)
	if h == nil {
		return failed(nil, nil, errdefs.Errorf(errdefs.KindNotFound, "dispatch",
			"no handler registered for %s", inv.TargetType))
	}
	return h.Handle(ctx, inv)
}

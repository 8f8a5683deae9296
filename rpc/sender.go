package rpc

import (
	"fmt"
	"reflect"

	"fleetnet/codec"
	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/loadbalance"
	"fleetnet/message"
	"fleetnet/network"
)

// Sender issues calls against one remote target type.
type Sender struct {
	target    reflect.Type
	name      string
	mapper    *codec.Mapper
	channel   network.Channel
	component network.Component
	balancer  loadbalance.Balancer
}

type SenderOption func(*Sender)

// WithChannel sends every call over ch unless a call names its own channel.
func WithChannel(ch network.Channel) SenderOption {
	return func(s *Sender) {
		s.channel = ch
	}
}

// WithComponent picks the channel of each call from comp's channels. With a
// nil balancer the component's first channel is used.
func WithComponent(comp network.Component, b loadbalance.Balancer) SenderOption {
	return func(s *Sender) {
		s.component = comp
		s.balancer = b
	}
}

func WithMapper(m *codec.Mapper) SenderOption {
	return func(s *Sender) {
		if m != nil {
			s.mapper = m
		}
	}
}

// NewSender creates a sender for calls on target, usually an interface type
// the remote side registered a Handler for.
func NewSender(target reflect.Type, opts ...SenderOption) *Sender {
	s := &Sender{target: target, name: TypeName(target), mapper: codec.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TargetType returns the canonical name calls are addressed to.
func (s *Sender) TargetType() string {
	return s.name
}

// InvokeMethod captures a call of the method name with args. Nothing is sent
// until one of the RPC's Fire methods runs.
func (s *Sender) InvokeMethod(name string, args ...any) *RPC {
	return &RPC{
		sender:              s,
		name:                name,
		args:                args,
		normalizePrimitives: true,
	}
}

func (s *Sender) pickChannel() (network.Channel, error) {
	switch {
	case s.channel != nil:
		return s.channel, nil
	case s.component != nil && s.balancer != nil:
		return s.balancer.Pick(s.component.Channels(), s.name)
	case s.component != nil:
		if ch := s.component.FirstChannel(); ch != nil {
			return ch, nil
		}
	}
	return nil, errdefs.Errorf(errdefs.KindChannelClosed, "rpc", "no channel to send %s calls on", s.name)
}

// RPC is one captured call.
type RPC struct {
	sender              *Sender
	name                string
	args                []any
	normalizePrimitives bool
	strictInstanceUsage bool
}

// NormalizePrimitives controls whether the callee replaces absent arguments
// of number and bool parameters with zero values (the default) or fails.
func (r *RPC) NormalizePrimitives(normalize bool) *RPC {
	r.normalizePrimitives = normalize
	return r
}

// StrictInstanceUsage makes the call fail when the remote handler has no
// bound instance instead of using a zero instance.
func (r *RPC) StrictInstanceUsage(strict bool) *RPC {
	r.strictInstanceUsage = strict
	return r
}

func (r *RPC) String() string {
	return fmt.Sprintf("%s.%s/%d", r.sender.name, r.name, len(r.args))
}

// packet resolves the method locally and encodes the request. Ambiguous or
// unknown methods fail here, before anything is sent.
func (r *RPC) packet() (*MethodInformation, *message.Packet, error) {
	mi, err := ResolveMethod(r.sender.target, r.name, len(r.args))
	if err != nil {
		return nil, nil, err
	}
	buf, err := writeRequest(r.sender.mapper, requestHeader{
		targetType:          r.sender.name,
		method:              mi.Name,
		argCount:            int32(len(r.args)),
		normalizePrimitives: r.normalizePrimitives,
		strictInstanceUsage: r.strictInstanceUsage,
	}, mi.ParameterTypes, r.args)
	if err != nil {
		return nil, nil, errdefs.New(errdefs.KindSerialization, "rpc "+r.String(), err)
	}
	return mi, message.New(network.ChannelRPC, buf), nil
}

// FireAndForget sends the call without waiting for, or receiving, a result.
func (r *RPC) FireAndForget() error {
	ch, err := r.sender.pickChannel()
	if err != nil {
		return err
	}
	return r.FireAndForgetOn(ch)
}

func (r *RPC) FireAndForgetOn(ch network.Channel) error {
	_, p, err := r.packet()
	if err != nil {
		return err
	}
	if err := ch.Send(p); err != nil {
		p.Release()
		return err
	}
	return nil
}

// FireSync sends the call and blocks for its result until the channel's
// query timeout. It must not run on the read loop of the channel used.
func (r *RPC) FireSync() (any, error) {
	return r.Fire().Get()
}

func (r *RPC) FireSyncOn(ch network.Channel) (any, error) {
	return r.FireOn(ch).Get()
}

// Fire sends the call and returns its eventual result.
func (r *RPC) Fire() *future.Future[any] {
	ch, err := r.sender.pickChannel()
	if err != nil {
		return future.Failed[any](err)
	}
	return r.FireOn(ch)
}

func (r *RPC) FireOn(ch network.Channel) *future.Future[any] {
	mi, p, err := r.packet()
	if err != nil {
		return future.Failed[any](err)
	}
	return future.Then(ch.SendQueryAsync(p), func(resp *message.Packet) (any, error) {
		defer resp.Release()
		return readResponse(r.sender.mapper, mi, resp.Content())
	})
}

// Get runs r with FireSync and converts the result to T.
func Get[T any](r *RPC) (T, error) {
	var zero T
	v, err := r.FireSync()
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errdefs.Errorf(errdefs.KindSerialization, "rpc "+r.String(), "result %T is not %T", v, zero)
	}
	return t, nil
}

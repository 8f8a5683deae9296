package rpc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"fleetnet/codec"
	"fleetnet/errdefs"
	"fleetnet/message"
	"fleetnet/network"
)

// Listener is the network.Listener for network.ChannelRPC. The request
// header is decoded on the dispatching goroutine; the invocation runs on its
// own goroutine so a slow target never blocks the channel's read loop.
// Every request carrying a correlation id gets a response, failures
// included.
type Listener struct {
	registry *HandlerRegistry
	mapper   *codec.Mapper
	logger   *zap.Logger
	wg       sync.WaitGroup
}

type ListenerOption func(*Listener)

func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithListenerMapper sets the mapper used to encode responses of calls that
// fail before reaching a handler.
func WithListenerMapper(m *codec.Mapper) ListenerOption {
	return func(l *Listener) {
		if m != nil {
			l.mapper = m
		}
	}
}

func NewListener(registry *HandlerRegistry, opts ...ListenerOption) *Listener {
	l := &Listener{registry: registry, mapper: codec.Default, logger: zap.L()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) String() string {
	return "rpc.Listener"
}

func (l *Listener) HandlePacket(ch network.Channel, p *message.Packet) error {
	content := p.Content()
	header, err := readRequestHeader(content)
	if err != nil {
		err = errdefs.New(errdefs.KindSerialization, "rpc request", err)
		l.reply(ch, p, failed(nil, nil, err))
		return err
	}

	inv := &InvocationContext{
		Channel:             ch,
		TargetType:          header.targetType,
		MethodName:          header.method,
		ArgumentCount:       int(header.argCount),
		ExpectsResult:       p.IsQuery(),
		NormalizePrimitives: header.normalizePrimitives,
		StrictInstanceUsage: header.strictInstanceUsage,
		// other listeners on the channel read the same content after us
		Arguments: content.Copy(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer inv.Arguments.Release()

		res := l.registry.Handle(context.Background(), inv)
		if !res.Successful && !inv.ExpectsResult {
			l.logger.Warn("rpc invocation failed",
				zap.String("target", inv.TargetType),
				zap.String("method", inv.MethodName),
				zap.Error(res.Err))
		}
		l.reply(ch, p, res)
	}()
	return nil
}

func (l *Listener) reply(ch network.Channel, p *message.Packet, res *HandlingResult) {
	if !p.IsQuery() {
		return
	}
	m := l.mapper
	if res.Handler != nil {
		m = res.Handler.mapper
	}
	resp := p.ConstructResponse(writeResponse(m, res))
	if err := ch.Send(resp); err != nil {
		resp.Release()
		l.logger.Warn("rpc response dropped", zap.Stringer("id", p.UniqueID()), zap.Error(err))
	}
}

// Wait blocks until every invocation started so far has replied.
func (l *Listener) Wait() {
	l.wg.Wait()
}

var _ network.Listener = (*Listener)(nil)

// Package server implements the accepting side of a fleet member.
//
// Every accepted connection becomes a transport.Channel whose listener
// registry delegates to the server's root registry first, so listeners added
// once on the server (RPC, chunked transfer) see the packets of every peer.
//
//	Accept conn → transport.New (read loop, write loop, heartbeat)
//	  → inbound packet → query response? resolve : root registry → channel registry
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetnet/listener"
	"fleetnet/network"
	"fleetnet/transport"
)

// Server accepts peer connections. It is safe for concurrent use.
type Server struct {
	logger   *zap.Logger
	chOpts   []transport.Option
	root     *listener.Registry
	listener net.Listener
	shutdown atomic.Bool // Set during shutdown to suppress Accept errors
	ready    chan struct{}

	mu        sync.RWMutex
	channels  map[uuid.UUID]*transport.Channel
	order     []uuid.UUID // accept order, FirstChannel is the oldest live one
	onChannel []func(network.Channel)
	wg        sync.WaitGroup // tracks live channels for graceful shutdown
}

var _ network.Component = (*Server)(nil)

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChannelOptions applies opts to every accepted channel.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(s *Server) {
		s.chOpts = append(s.chOpts, opts...)
	}
}

// New creates a server with an empty root listener registry.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   zap.L(),
		root:     listener.NewRegistry(),
		ready:    make(chan struct{}),
		channels: make(map[uuid.UUID]*transport.Channel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listeners returns the root registry shared by every accepted channel.
func (s *Server) Listeners() network.ListenerRegistry {
	return s.root
}

// OnChannel registers fn to run for every accepted channel before it is
// tracked by the server.
func (s *Server) OnChannel(fn func(network.Channel)) {
	s.mu.Lock()
	s.onChannel = append(s.onChannel, fn)
	s.mu.Unlock()
}

// Serve listens on the given address and accepts connections until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener accepts connections from l until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("serving", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener.Close during shutdown makes Accept fail
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.accept(conn)
	}
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener.Addr()
}

func (s *Server) accept(conn net.Conn) {
	opts := append([]transport.Option{
		transport.WithLogger(s.logger),
		transport.WithParentRegistry(s.root),
	}, s.chOpts...)
	opts = append(opts, transport.WithOnClose(s.untrack))

	s.wg.Add(1)
	ch := transport.New(conn, opts...)

	s.mu.Lock()
	hooks := s.onChannel
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ch)
	}

	s.mu.Lock()
	if ch.Active() {
		s.channels[ch.ID()] = ch
		s.order = append(s.order, ch.ID())
	}
	s.mu.Unlock()
	s.logger.Debug("channel accepted", zap.Stringer("channelID", ch.ID()), zap.String("remote", ch.RemoteAddr()))
}

func (s *Server) untrack(ch *transport.Channel, _ error) {
	s.mu.Lock()
	delete(s.channels, ch.ID())
	for i, id := range s.order {
		if id == ch.ID() {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Channels returns the live accepted channels in accept order.
func (s *Server) Channels() []network.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]network.Channel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.channels[id])
	}
	return out
}

// FirstChannel returns the oldest live channel, nil when there is none.
func (s *Server) FirstChannel() network.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.channels[s.order[0]]
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Close every channel, failing its pending queries
//  4. Wait for the channels to finish closing (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	s.mu.RLock()
	l := s.listener
	chs := make([]*transport.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chs = append(chs, ch)
	}
	s.mu.RUnlock()

	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, ch := range chs {
		ch.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for %d channels to close", len(chs))
	}
}

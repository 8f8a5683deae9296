package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetnet/buffer"
	"fleetnet/message"
	"fleetnet/network"
	"fleetnet/transport"
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := New(opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dial(t *testing.T, svr *Server) *transport.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	ch := transport.New(conn)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRootListenersServeEveryPeer(t *testing.T) {
	svr := startServer(t)
	svr.Listeners().Add(5, network.ListenerFunc(func(ch network.Channel, p *message.Packet) error {
		n, err := p.Content().ReadInt32()
		if err != nil {
			return err
		}
		return ch.Send(p.ConstructResponse(buffer.New().WriteInt32(n * 2)))
	}))

	for i := int32(1); i <= 3; i++ {
		ch := dial(t, svr)
		resp, err := ch.SendQuery(message.New(5, buffer.New().WriteInt32(i)))
		require.NoError(t, err)
		v, err := resp.Content().ReadInt32()
		require.NoError(t, err)
		require.Equal(t, i*2, v)
	}
	require.Eventually(t, func() bool { return len(svr.Channels()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestOnChannelHook(t *testing.T) {
	svr := startServer(t)
	accepted := make(chan network.Channel, 1)
	svr.OnChannel(func(ch network.Channel) { accepted <- ch })

	dial(t, svr)
	select {
	case ch := <-accepted:
		require.True(t, ch.Active())
		require.Eventually(t, func() bool { return svr.FirstChannel() == ch }, time.Second, 5*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

func TestClosedPeerIsUntracked(t *testing.T) {
	svr := startServer(t)
	ch := dial(t, svr)
	require.Eventually(t, func() bool { return len(svr.Channels()) == 1 }, time.Second, 5*time.Millisecond)

	ch.Close()
	require.Eventually(t, func() bool { return len(svr.Channels()) == 0 }, time.Second, 5*time.Millisecond)
	require.Nil(t, svr.FirstChannel())
}

func TestShutdown(t *testing.T) {
	svr := New()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	ch := dial(t, svr)
	require.Eventually(t, func() bool { return len(svr.Channels()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)
	require.Empty(t, svr.Channels())

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("peer channel still open after shutdown")
	}

	_, err = net.DialTimeout("tcp", l.Addr().String(), 100*time.Millisecond)
	require.Error(t, err)
}

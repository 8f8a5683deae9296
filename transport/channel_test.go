package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/listener"
	"fleetnet/message"
	"fleetnet/network"
	"fleetnet/protocol"
)

func pair(t *testing.T, opts ...Option) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	left, right := New(a, opts...), New(b, opts...)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestSendDeliversToListener(t *testing.T) {
	left, right := pair(t)

	got := make(chan string, 1)
	right.Listeners().Add(5, network.ListenerFunc(func(_ network.Channel, p *message.Packet) error {
		s, err := p.Content().ReadString()
		got <- s
		return err
	}))

	require.NoError(t, left.Send(message.New(5, buffer.New().WriteString("hello"))))
	select {
	case s := <-got:
		require.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestPacketsArriveInOrder(t *testing.T) {
	left, right := pair(t)

	const n = 100
	got := make(chan int32, n)
	right.Listeners().Add(5, network.ListenerFunc(func(_ network.Channel, p *message.Packet) error {
		v, err := p.Content().ReadInt32()
		got <- v
		return err
	}))

	for i := int32(0); i < n; i++ {
		require.NoError(t, left.SendSync(context.Background(), message.New(5, buffer.New().WriteInt32(i))))
	}
	for i := int32(0); i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("packet %d not delivered", i)
		}
	}
}

func TestQueryRoundTrip(t *testing.T) {
	left, right := pair(t)

	right.Listeners().Add(5, network.ListenerFunc(func(ch network.Channel, p *message.Packet) error {
		name, err := p.Content().ReadString()
		if err != nil {
			return err
		}
		return ch.Send(p.ConstructResponse(buffer.New().WriteString("hello " + name)))
	}))

	resp, err := left.SendQuery(message.New(5, buffer.New().WriteString("fleet")))
	require.NoError(t, err)
	require.Equal(t, message.ResponseChannel, resp.Channel())

	s, err := resp.Content().ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello fleet", s)
	require.Zero(t, left.Queries().WaitingHandlers())
}

func TestQueryTimeout(t *testing.T) {
	left, _ := pair(t, WithQueryTimeout(30*time.Millisecond))

	_, err := left.SendQuery(message.New(5, nil))
	require.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestCloseFailsPendingQueries(t *testing.T) {
	left, _ := pair(t)

	result := left.SendQueryAsync(message.New(5, nil))
	require.NoError(t, left.Close())

	_, err := result.Get()
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
	require.False(t, left.Active())
	require.False(t, left.Writable())
	require.ErrorIs(t, left.Err(), ErrClosed)
}

func TestSendAfterClose(t *testing.T) {
	left, _ := pair(t)
	require.NoError(t, left.Close())

	err := left.Send(message.New(5, nil))
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
	err = left.SendSync(context.Background(), message.New(5, nil))
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
}

func TestPeerCloseClosesChannel(t *testing.T) {
	closed := make(chan error, 1)
	a, b := net.Pipe()
	ch := New(a, WithOnClose(func(_ *Channel, err error) { closed <- err }))
	defer ch.Close()

	b.Close()
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel still active after peer closed")
	}
	require.Error(t, <-closed)
}

func TestFullQueueIsNotWritable(t *testing.T) {
	// nobody reads b, so the first write blocks and the queue fills up
	a, b := net.Pipe()
	defer b.Close()
	ch := New(a, WithQueueSize(2), WithHighWaterMark(1), WithHeartbeat(0))
	defer ch.Close()

	require.True(t, ch.Writable())

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = ch.Send(message.New(5, nil))
	}
	require.ErrorIs(t, err, errdefs.ErrTransport)
	require.ErrorIs(t, err, ErrQueueFull)
	require.False(t, ch.Writable())
	require.True(t, ch.Active())
}

func TestSendSyncHonoursContext(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := New(a, WithHeartbeat(0))
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.SendSync(ctx, message.New(5, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeartbeatsAreNotDispatched(t *testing.T) {
	left, right := pair(t, WithHeartbeat(5*time.Millisecond))

	beats := make(chan struct{}, 1)
	right.Listeners().Add(network.ChannelHeartbeat, network.ListenerFunc(func(network.Channel, *message.Packet) error {
		select {
		case beats <- struct{}{}:
		default:
		}
		return nil
	}))

	time.Sleep(50 * time.Millisecond)
	require.True(t, left.Active())
	require.True(t, right.Active())
	require.Empty(t, beats)
}

func TestParentRegistrySeesChannelPackets(t *testing.T) {
	root := listener.NewRegistry()
	got := make(chan uuid.UUID, 1)
	root.Add(5, network.ListenerFunc(func(ch network.Channel, _ *message.Packet) error {
		got <- ch.ID()
		return nil
	}))

	left, right := pair(t, WithParentRegistry(root))
	require.NoError(t, left.Send(message.New(5, nil)))

	select {
	case id := <-got:
		require.Equal(t, right.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("root registry not consulted")
	}
}

func TestOversizedPacketFailsAlone(t *testing.T) {
	left, right := pair(t, WithHeartbeat(0))

	got := make(chan string, 1)
	right.Listeners().Add(5, network.ListenerFunc(func(_ network.Channel, p *message.Packet) error {
		s, err := p.Content().ReadString()
		got <- s
		return err
	}))

	huge := message.New(5, buffer.Wrap(make([]byte, protocol.MaxContentLength+1)))
	err := left.Send(huge)
	require.ErrorIs(t, err, errdefs.ErrSerialization)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	err = left.SendSync(context.Background(), message.New(5, buffer.Wrap(make([]byte, protocol.MaxContentLength+1))))
	require.ErrorIs(t, err, errdefs.ErrSerialization)

	require.True(t, left.Active())
	require.NoError(t, left.Send(message.New(5, buffer.New().WriteString("still up"))))
	select {
	case s := <-got:
		require.Equal(t, "still up", s)
	case <-time.After(time.Second):
		t.Fatal("channel stopped delivering after an oversized packet")
	}
}

func TestWriterSkipsUnframeablePacket(t *testing.T) {
	left, right := pair(t, WithHeartbeat(0))

	got := make(chan string, 1)
	right.Listeners().Add(5, network.ListenerFunc(func(_ network.Channel, p *message.Packet) error {
		s, err := p.Content().ReadString()
		got <- s
		return err
	}))

	// straight onto the queue, past the size check in Send
	huge := message.New(5, buffer.Wrap(make([]byte, protocol.MaxContentLength+1)))
	done := make(chan error, 1)
	left.queued.Add(1)
	left.queue <- outbound{packet: huge, done: done}

	select {
	case err := <-done:
		require.ErrorIs(t, err, errdefs.ErrSerialization)
	case <-time.After(time.Second):
		t.Fatal("oversized packet never reported")
	}
	require.False(t, huge.Content().Accessible())

	require.NoError(t, left.SendSync(context.Background(), message.New(5, buffer.New().WriteString("next"))))
	select {
	case s := <-got:
		require.Equal(t, "next", s)
	case <-time.After(time.Second):
		t.Fatal("packet after the oversized one not delivered")
	}
	require.True(t, left.Active())
}

func TestDroppedHeartbeatIsReleased(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := New(a, WithQueueSize(1), WithHighWaterMark(1), WithHeartbeat(0))
	defer ch.Close()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = ch.Send(message.New(5, nil))
	}
	require.ErrorIs(t, err, ErrQueueFull)

	beat := ch.beat()
	require.False(t, beat.Content().Accessible())
	require.True(t, ch.Active())
}

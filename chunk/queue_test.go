package chunk

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/message"
	"fleetnet/network"
	"fleetnet/network/networktest"
)

func chunkPacket(index int32) *message.Packet {
	return message.New(network.ChannelChunkedTransfer, buffer.New().WriteInt32(index))
}

func sentIndices(t *testing.T, ch *networktest.Channel) []int32 {
	t.Helper()
	var out []int32
	for _, p := range ch.Sent() {
		i, err := p.Content().ReadInt32()
		require.NoError(t, err)
		p.Content().Reset()
		out = append(out, i)
	}
	return out
}

func newTestScheduler(t *testing.T) *Scheduler {
	s := NewScheduler(2, WithSchedulerLogger(zap.NewNop()))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestQueueDrainsInIndexOrder(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	q := NewQueuedTransfer(ch, newTestScheduler(t), WithResumeDelay(5*time.Millisecond), WithQueueLogger(zap.NewNop()))

	var sent []*future.Future[struct{}]
	for _, i := range []int32{3, 1, 2, 0} {
		f, err := q.Enqueue(context.Background(), i, chunkPacket(i))
		require.NoError(t, err)
		sent = append(sent, f)
	}
	q.Finish()

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, ch.Sent(), "nothing may be sent while the channel is not writable")
	require.Equal(t, 4, q.Pending())

	ch.SetWritable(true)
	_, err := q.Session().GetContext(ctxTimeout(t, time.Second))
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1, 2, 3}, sentIndices(t, ch))
	for _, f := range sent {
		_, err, done := f.Result()
		require.True(t, done)
		require.NoError(t, err)
	}
}

func TestQueueFailsEverythingWhenChannelCloses(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	q := NewQueuedTransfer(ch, newTestScheduler(t), WithResumeDelay(5*time.Millisecond), WithQueueLogger(zap.NewNop()))

	var pending []*future.Future[struct{}]
	for _, i := range []int32{2, 0, 1} {
		f, err := q.Enqueue(context.Background(), i, chunkPacket(i))
		require.NoError(t, err)
		pending = append(pending, f)
	}

	var resolutions atomic.Int32
	for _, f := range append(pending, q.Session()) {
		f.OnComplete(func(struct{}, error) { resolutions.Add(1) })
	}

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, ch.Sent())
	ch.Close()

	_, err := q.Session().GetContext(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
	for _, f := range pending {
		_, err := f.GetContext(ctxTimeout(t, time.Second))
		require.ErrorIs(t, err, errdefs.ErrChannelClosed)
	}
	require.Zero(t, q.Pending())

	// later resumes find the session resolved and change nothing
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(4), resolutions.Load())
	_, err = q.Enqueue(context.Background(), 3, chunkPacket(3))
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
}

func TestQueueBlocksProducerWhenFull(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	q := NewQueuedTransfer(ch, newTestScheduler(t), WithMaxQueued(2), WithQueueLogger(zap.NewNop()))

	for i := int32(0); i < 2; i++ {
		_, err := q.Enqueue(context.Background(), i, chunkPacket(i))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(ctx, 2, chunkPacket(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, q.Pending())
}

func TestSchedulerShutdownFailsSession(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	s := NewScheduler(1, WithSchedulerLogger(zap.NewNop()))
	q := NewQueuedTransfer(ch, s, WithResumeDelay(time.Hour), WithQueueLogger(zap.NewNop()))

	f, err := q.Enqueue(context.Background(), 0, chunkPacket(0))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Shutdown(ctxTimeout(t, time.Second)))
	_, err = q.Session().GetContext(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, errdefs.ErrShutdown)
	_, err = f.GetContext(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, errdefs.ErrShutdown)

	require.ErrorIs(t, s.Submit(q), errdefs.ErrShutdown)
}

func TestBackpressuredTransfer(t *testing.T) {
	caller, callee := networktest.Pair(time.Second)
	defer caller.Close()
	var received atomic.Int32
	callee.Listeners().Add(network.ChannelChunkedTransfer, network.ListenerFunc(func(network.Channel, *message.Packet) error {
		received.Add(1)
		return nil
	}))

	caller.SetWritable(false)
	sender, err := NewBuilder().ChunkSize(10).Source(bytes.NewReader(payload(45))).
		Backpressured(caller, newTestScheduler(t)).Logger(zap.NewNop()).Build()
	require.NoError(t, err)

	result := sender.Transfer(context.Background())
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, received.Load())
	_, _, done := result.Result()
	require.False(t, done)

	caller.SetWritable(true)
	status, err := result.GetContext(ctxTimeout(t, time.Second))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, int32(5), received.Load())
}

func TestBackpressuredTransferOnClosedChannel(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	sender, err := NewBuilder().ChunkSize(10).Source(bytes.NewReader(payload(45))).
		Backpressured(ch, newTestScheduler(t)).Logger(zap.NewNop()).Build()
	require.NoError(t, err)

	result := sender.Transfer(context.Background())
	time.Sleep(70 * time.Millisecond)
	ch.Close()

	_, err = result.GetContext(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, errdefs.ErrChannelClosed)
	require.Empty(t, ch.Sent())
}

func TestCancelWhileDrainingStopsSending(t *testing.T) {
	ch := networktest.New(time.Second)
	ch.SetWritable(false)
	sender, err := NewBuilder().ChunkSize(10).Source(bytes.NewReader(payload(45))).
		Backpressured(ch, newTestScheduler(t)).Logger(zap.NewNop()).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := sender.Transfer(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	_, err = result.GetContext(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, errdefs.ErrCancelled)
	require.False(t, errdefs.Is(err, errdefs.KindTransport))

	ch.SetWritable(true)
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, ch.Sent(), "chunks went out after the transfer was cancelled")
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

type taskFunc func()

func (f taskFunc) Run()        { f() }
func (f taskFunc) Abort(error) {}

func TestSchedulerBoundsWorkers(t *testing.T) {
	s := newTestScheduler(t)
	var running, peak atomic.Int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(taskFunc(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done <- struct{}{}
		})))
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

package server_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetnet/chunk"
	"fleetnet/client"
	"fleetnet/loadbalance"
	"fleetnet/middleware"
	"fleetnet/network"
	"fleetnet/rpc"
	"fleetnet/server"
	"fleetnet/transport"
)

// ---- services under test ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
	Node   string
}

type Arith interface {
	Add(args Args) (Reply, error)
	Multiply(args Args) (Reply, error)
}

type arith struct {
	node string
}

func (a *arith) Add(args Args) (Reply, error) {
	return Reply{Result: args.A + args.B, Node: a.node}, nil
}

func (a *arith) Multiply(args Args) (Reply, error) {
	return Reply{Result: args.A * args.B, Node: a.node}, nil
}

// startNode serves Arith and the "upload" chunk transfer on a loopback port.
func startNode(t testing.TB, name string, uploads chunk.Factory) *server.Server {
	t.Helper()
	svr := server.New(
		server.WithLogger(zap.NewNop()),
		server.WithChannelOptions(transport.WithLogger(zap.NewNop())),
	)

	handlers := rpc.NewHandlerRegistry()
	handlers.Use(middleware.Logging(zap.NewNop()), middleware.Timeout(time.Second))
	handlers.Register(rpc.NewHandler(reflect.TypeFor[Arith](), &arith{node: name}))
	svr.Listeners().Add(network.ChannelRPC, rpc.NewListener(handlers, rpc.WithListenerLogger(zap.NewNop())))

	if uploads != nil {
		receiver := chunk.NewListener(chunk.NewRouter().Handle("upload", uploads).Factory,
			chunk.WithListenerLogger(zap.NewNop()))
		t.Cleanup(func() { receiver.Close() })
		svr.Listeners().Add(network.ChannelChunkedTransfer, receiver)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr
}

func newClient(t testing.TB, balancer loadbalance.Balancer, nodes ...*server.Server) *client.Client {
	t.Helper()
	cli := client.New(
		client.WithLogger(zap.NewNop()),
		client.WithBalancer(balancer),
		client.WithChannelOptions(transport.WithLogger(zap.NewNop())),
	)
	for _, node := range nodes {
		_, err := cli.Dial(context.Background(), "tcp", node.Addr().String())
		require.NoError(t, err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

// Client → Balancer → transport.Channel → Packet → rpc.Listener → Middleware → Handler
func TestFullIntegration(t *testing.T) {
	svr := startNode(t, "node-1", nil)
	cli := newClient(t, &loadbalance.RoundRobinBalancer{}, svr)
	arithmetic := rpc.NewSender(reflect.TypeFor[Arith](), rpc.WithComponent(cli, cli.Balancer()))

	reply, err := rpc.Get[Reply](arithmetic.InvokeMethod("Add", Args{A: 3, B: 5}))
	require.NoError(t, err)
	require.Equal(t, Reply{Result: 8, Node: "node-1"}, reply)

	reply, err = rpc.Get[Reply](arithmetic.InvokeMethod("Multiply", Args{A: 4, B: 6}))
	require.NoError(t, err)
	require.Equal(t, 24, reply.Result)
}

func TestMultiServerRoundRobin(t *testing.T) {
	svr1 := startNode(t, "node-1", nil)
	svr2 := startNode(t, "node-2", nil)
	cli := newClient(t, &loadbalance.RoundRobinBalancer{}, svr1, svr2)
	arithmetic := rpc.NewSender(reflect.TypeFor[Arith](), rpc.WithComponent(cli, cli.Balancer()))

	seen := map[string]int{}
	for i := 1; i <= 10; i++ {
		reply, err := rpc.Get[Reply](arithmetic.InvokeMethod("Add", Args{A: i, B: i * 10}))
		require.NoError(t, err, "request %d", i)
		require.Equal(t, i+i*10, reply.Result, "request %d", i)
		seen[reply.Node]++
	}
	require.Equal(t, map[string]int{"node-1": 5, "node-2": 5}, seen)
}

func TestConcurrentCallsShareOneChannel(t *testing.T) {
	svr := startNode(t, "node-1", nil)
	cli := newClient(t, &loadbalance.RoundRobinBalancer{}, svr)
	arithmetic := rpc.NewSender(reflect.TypeFor[Arith](), rpc.WithChannel(cli.FirstChannel()))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := rpc.Get[Reply](arithmetic.InvokeMethod("Multiply", Args{A: i, B: 2}))
			if err == nil && reply.Result != i*2 {
				err = io.ErrUnexpectedEOF
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, cli.FirstChannel().Queries().WaitingHandlers())
}

type upload struct {
	mu   sync.Mutex
	data map[string][]byte
	done chan struct{}
}

func (u *upload) factory(chunk.SessionInformation) (chunk.Handler, error) {
	return chunk.Funcs{OnComplete: func(info chunk.SessionInformation, data io.Reader) error {
		b, err := io.ReadAll(data)
		if err != nil {
			return err
		}
		u.mu.Lock()
		u.data[info.SessionID.String()] = b
		u.mu.Unlock()
		u.done <- struct{}{}
		return nil
	}}, nil
}

func (u *upload) get(id string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data[id]
}

func TestChunkedUploadToCluster(t *testing.T) {
	up1 := &upload{data: map[string][]byte{}, done: make(chan struct{}, 1)}
	up2 := &upload{data: map[string][]byte{}, done: make(chan struct{}, 1)}
	svr1 := startNode(t, "node-1", up1.factory)
	svr2 := startNode(t, "node-2", up2.factory)
	cli := newClient(t, &loadbalance.RoundRobinBalancer{}, svr1, svr2)

	data := bytes.Repeat([]byte("template-archive "), 4096)
	sender, err := chunk.NewBuilder().
		ChunkSize(4096).
		TransferChannel("upload").
		Source(bytes.NewReader(data)).
		ToChannels(cli.Channels()...).
		Logger(zap.NewNop()).
		Build()
	require.NoError(t, err)

	status, err := sender.TransferChunkedData(context.Background())
	require.NoError(t, err)
	require.Equal(t, chunk.StatusSuccess, status)

	id := sender.Session().SessionID.String()
	for _, up := range []*upload{up1, up2} {
		select {
		case <-up.done:
		case <-time.After(3 * time.Second):
			t.Fatal("upload never completed")
		}
		require.Equal(t, data, up.get(id))
	}
}

func TestBackpressuredUpload(t *testing.T) {
	up := &upload{data: map[string][]byte{}, done: make(chan struct{}, 1)}
	svr := startNode(t, "node-1", up.factory)
	cli := newClient(t, &loadbalance.RoundRobinBalancer{}, svr)

	scheduler := chunk.NewScheduler(2, chunk.WithSchedulerLogger(zap.NewNop()))
	t.Cleanup(func() { scheduler.Shutdown(context.Background()) })

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 10000)
	sender, err := chunk.NewBuilder().
		ChunkSize(1000).
		TransferChannel("upload").
		Source(bytes.NewReader(data)).
		Backpressured(cli.FirstChannel(), scheduler).
		Logger(zap.NewNop()).
		Build()
	require.NoError(t, err)

	status, err := sender.TransferChunkedData(context.Background())
	require.NoError(t, err)
	require.Equal(t, chunk.StatusSuccess, status)
	select {
	case <-up.done:
	case <-time.After(3 * time.Second):
		t.Fatal("upload never completed")
	}
	require.Equal(t, data, up.get(sender.Session().SessionID.String()))
}

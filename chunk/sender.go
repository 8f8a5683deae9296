package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fleetnet/buffer"
	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/message"
	"fleetnet/network"
)

// TransferStatus is the outcome of a transfer.
type TransferStatus uint8

const (
	StatusSuccess TransferStatus = iota
	StatusFailure
)

func (s TransferStatus) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// PacketSink receives every chunk packet of a transfer and owns it afterwards.
type PacketSink func(ctx context.Context, p *message.Packet) error

// Builder configures a Sender.
//
//	sender, err := chunk.NewBuilder().
//		TransferChannel("deploy_template").
//		ExtraData(buffer.New().WriteString("Lobby/default")).
//		Source(archive).
//		ToChannels(nodes...).
//		Build()
type Builder struct {
	chunkSize       int
	sessionID       uuid.UUID
	transferChannel string
	source          io.Reader
	sink            PacketSink
	extra           *buffer.Buffer
	bytesPerSecond  int
	logger          *zap.Logger

	queueTo   network.Channel
	scheduler *Scheduler
	maxQueued int
}

func NewBuilder() *Builder {
	return &Builder{
		chunkSize: DefaultChunkSize,
		sessionID: uuid.New(),
		logger:    zap.L(),
	}
}

// ChunkSize sets the number of bytes per chunk. Defaults to DefaultChunkSize.
func (b *Builder) ChunkSize(n int) *Builder {
	b.chunkSize = n
	return b
}

// SessionID sets the session id. Defaults to a random one.
func (b *Builder) SessionID(id uuid.UUID) *Builder {
	b.sessionID = id
	return b
}

// TransferChannel names the receiving behavior.
func (b *Builder) TransferChannel(name string) *Builder {
	b.transferChannel = name
	return b
}

func (b *Builder) Source(r io.Reader) *Builder {
	b.source = r
	return b
}

// ExtraData attaches opaque data for the receiving handler to every chunk.
func (b *Builder) ExtraData(extra *buffer.Buffer) *Builder {
	b.extra = extra
	return b
}

// PacketSplitter delivers chunk packets through sink.
func (b *Builder) PacketSplitter(sink PacketSink) *Builder {
	b.sink = sink
	return b
}

// ToChannels writes every chunk to each of chs, waiting for each write.
func (b *Builder) ToChannels(chs ...network.Channel) *Builder {
	return b.PacketSplitter(func(ctx context.Context, p *message.Packet) error {
		var errs error
		for _, ch := range chs {
			p.Content().Acquire()
			if err := ch.SendSync(ctx, p); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", ch.ID(), err))
			}
		}
		p.Release()
		return errs
	})
}

// Backpressured funnels the chunks through a QueuedTransfer on ch, resumed by
// scheduler whenever ch becomes writable again. A nil scheduler uses
// DefaultScheduler.
func (b *Builder) Backpressured(ch network.Channel, scheduler *Scheduler) *Builder {
	b.queueTo = ch
	b.scheduler = scheduler
	return b
}

// MaxQueuedChunks bounds the chunks of a backpressured transfer waiting for
// the channel. Defaults to DefaultMaxQueuedChunks.
func (b *Builder) MaxQueuedChunks(n int) *Builder {
	b.maxQueued = n
	return b
}

// RateLimit caps the transfer at bytesPerSecond. Zero means unlimited.
func (b *Builder) RateLimit(bytesPerSecond int) *Builder {
	b.bytesPerSecond = bytesPerSecond
	return b
}

func (b *Builder) Logger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *Builder) Build() (*Sender, error) {
	switch {
	case b.chunkSize <= 0:
		return nil, fmt.Errorf("chunk: chunk size must be positive, got %d", b.chunkSize)
	case b.source == nil:
		return nil, errors.New("chunk: no source")
	case b.sink == nil && b.queueTo == nil:
		return nil, errors.New("chunk: no channels or packet splitter")
	case b.bytesPerSecond < 0:
		return nil, fmt.Errorf("chunk: negative rate limit %d", b.bytesPerSecond)
	}

	s := &Sender{
		info: SessionInformation{
			ChunkSize:       int32(b.chunkSize),
			SessionID:       b.sessionID,
			TransferChannel: b.transferChannel,
			Extra:           b.extra,
		},
		source: b.source,
		sink:   b.sink,
		logger: b.logger.With(zap.Stringer("session", b.sessionID), zap.String("transfer", b.transferChannel)),
	}
	if b.bytesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(b.bytesPerSecond), max(b.bytesPerSecond, b.chunkSize))
	}
	if b.queueTo != nil {
		scheduler := b.scheduler
		if scheduler == nil {
			scheduler = DefaultScheduler()
		}
		s.queue = NewQueuedTransfer(b.queueTo, scheduler, WithMaxQueued(b.maxQueued), WithQueueLogger(s.logger))
	}
	return s, nil
}

// Sender splits its source into chunk packets. A Sender runs one transfer.
type Sender struct {
	info    SessionInformation
	source  io.Reader
	sink    PacketSink
	queue   *QueuedTransfer
	limiter *rate.Limiter
	logger  *zap.Logger
}

func (s *Sender) Session() SessionInformation {
	return s.info
}

// Transfer runs TransferChunkedData on its own goroutine.
func (s *Sender) Transfer(ctx context.Context) *future.Future[TransferStatus] {
	f := future.New[TransferStatus]()
	go func() {
		status, err := s.TransferChunkedData(ctx)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(status)
	}()
	return f
}

// TransferChunkedData reads the source to its end, emitting one packet per
// chunk plus the final one. Failures of the source or of the delivery end the
// transfer with StatusFailure and the cause.
func (s *Sender) TransferChunkedData(ctx context.Context) (TransferStatus, error) {
	err := s.transfer(ctx)
	if err != nil {
		metrics.IncrCounter(MetricSessionFailureCount, 1)
		s.logger.Warn("chunked transfer failed", zap.Error(err))
		return StatusFailure, err
	}
	return StatusSuccess, nil
}

func (s *Sender) transfer(ctx context.Context) error {
	op := "chunk session " + s.info.String()
	window := make([]byte, s.info.ChunkSize)
	for index := int32(0); ; index++ {
		if err := ctx.Err(); err != nil {
			s.abort(err)
			return errdefs.New(errdefs.KindCancelled, op, err)
		}

		n, err := io.ReadFull(s.source, window)
		final := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			s.abort(err)
			return errdefs.New(errdefs.KindTransport, op+": read source", err)
		}

		if s.limiter != nil && n > 0 {
			if err := s.limiter.WaitN(ctx, n); err != nil {
				s.abort(err)
				return errdefs.New(errdefs.KindCancelled, op, err)
			}
		}

		c := chunk{info: s.info, index: index, final: final, data: window[:n]}
		if final {
			c.total = index
		}
		if err := s.emit(ctx, index, message.New(network.ChannelChunkedTransfer, c.encode())); err != nil {
			err = s.deliveryError(ctx, op, err)
			s.abort(err)
			return err
		}
		metrics.IncrCounter(MetricSentBytes, float32(n))
		if final {
			return s.finish(ctx, op)
		}
	}
}

func (s *Sender) emit(ctx context.Context, index int32, p *message.Packet) error {
	if s.queue != nil {
		_, err := s.queue.Enqueue(ctx, index, p)
		return err
	}
	return s.sink(ctx, p)
}

func (s *Sender) finish(ctx context.Context, op string) error {
	if s.queue == nil {
		return nil
	}
	s.queue.Finish()
	if _, err := s.queue.Session().GetContext(ctx); err != nil {
		err = s.deliveryError(ctx, op, err)
		// nothing may go out once the caller has been told the transfer failed
		s.queue.Fail(err)
		return err
	}
	return nil
}

func (s *Sender) abort(cause error) {
	if s.queue != nil {
		s.queue.Fail(cause)
	}
}

// deliveryError keeps the kind of kinded delivery failures, marks failures
// caused by ctx as cancelled and the rest as transport failures.
func (s *Sender) deliveryError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return errdefs.New(errdefs.KindCancelled, op, err)
	}
	if errdefs.KindOf(err) != errdefs.KindUnknown {
		return fmt.Errorf("%s: %w", op, err)
	}
	return errdefs.New(errdefs.KindTransport, op, err)
}

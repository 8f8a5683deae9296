package chunk

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/message"
	"fleetnet/network"
)

// DefaultMaxQueuedChunks bounds the chunks of one session waiting for its
// channel.
const DefaultMaxQueuedChunks = 16

type pendingChunk struct {
	index  int32
	packet *message.Packet
	sent   *future.Future[struct{}]
}

func lessPending(a, b *pendingChunk) bool {
	return a.index < b.index
}

// QueuedTransfer sends the chunks of one session over a channel that may be
// congested. Chunks wait in index order and are written one at a time while
// the channel is writable; when it is not, the drain is retried later on the
// Scheduler instead of blocking anyone. Producers block in Enqueue once
// maxQueued chunks are waiting.
//
//	Enqueue ──► pending (btree by index) ──► resume ──► ch.SendSync
//	                                           │
//	                            not writable ──┴──► Scheduler.After(resumeDelay)
type QueuedTransfer struct {
	ch          network.Channel
	scheduler   *Scheduler
	resumeDelay time.Duration
	logger      *zap.Logger

	space   *semaphore.Weighted
	session *future.Future[struct{}]

	mu        sync.Mutex
	pending   *btree.BTreeG[*pendingChunk]
	scheduled bool // a resume is queued, running or delayed
	finished  bool // no more chunks will be enqueued
}

type QueueOption func(*queueConfig)

type queueConfig struct {
	maxQueued   int
	resumeDelay time.Duration
	logger      *zap.Logger
}

// WithMaxQueued sets how many chunks may wait at once. Values below one
// select DefaultMaxQueuedChunks.
func WithMaxQueued(n int) QueueOption {
	return func(c *queueConfig) {
		if n > 0 {
			c.maxQueued = n
		}
	}
}

// WithResumeDelay sets the poll interval while the channel is not writable.
func WithResumeDelay(d time.Duration) QueueOption {
	return func(c *queueConfig) {
		if d > 0 {
			c.resumeDelay = d
		}
	}
}

func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(c *queueConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewQueuedTransfer(ch network.Channel, scheduler *Scheduler, opts ...QueueOption) *QueuedTransfer {
	cfg := queueConfig{
		maxQueued:   DefaultMaxQueuedChunks,
		resumeDelay: DefaultResumeDelay,
		logger:      zap.L(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &QueuedTransfer{
		ch:          ch,
		scheduler:   scheduler,
		resumeDelay: cfg.resumeDelay,
		logger:      cfg.logger,
		space:       semaphore.NewWeighted(int64(cfg.maxQueued)),
		session:     future.New[struct{}](),
		pending:     btree.NewG(8, lessPending),
	}
}

// Session resolves once every chunk was sent after Finish, or with the first
// failure.
func (q *QueuedTransfer) Session() *future.Future[struct{}] {
	return q.session
}

// Pending returns the number of chunks waiting for the channel.
func (q *QueuedTransfer) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Enqueue queues p as chunk index and returns a future resolved when it was
// written. It blocks while the queue is full. The queue owns p afterwards.
func (q *QueuedTransfer) Enqueue(ctx context.Context, index int32, p *message.Packet) (*future.Future[struct{}], error) {
	if err := q.space.Acquire(ctx, 1); err != nil {
		p.Release()
		return future.Failed[struct{}](err), err
	}

	q.mu.Lock()
	if _, err, done := q.session.Result(); done {
		q.mu.Unlock()
		q.space.Release(1)
		p.Release()
		if err == nil {
			err = errdefs.Errorf(errdefs.KindShutdown, "chunk queue", "session already completed")
		}
		return future.Failed[struct{}](err), err
	}
	c := &pendingChunk{index: index, packet: p, sent: future.New[struct{}]()}
	if old, replaced := q.pending.ReplaceOrInsert(c); replaced {
		old.packet.Release()
		old.sent.Fail(errdefs.Errorf(errdefs.KindCancelled, "chunk queue", "chunk %d enqueued again", index))
		q.space.Release(1)
	}
	start := q.markScheduled()
	q.mu.Unlock()

	if start {
		q.submit()
	}
	return c.sent, nil
}

// Finish declares that no more chunks follow. The session completes once
// the queue has drained.
func (q *QueuedTransfer) Finish() {
	q.mu.Lock()
	q.finished = true
	start := q.markScheduled()
	q.mu.Unlock()
	if start {
		q.submit()
	}
}

// Fail discards every waiting chunk and fails the session with err.
func (q *QueuedTransfer) Fail(err error) {
	q.mu.Lock()
	q.failLocked(err)
	q.mu.Unlock()
}

func (q *QueuedTransfer) markScheduled() bool {
	if q.scheduled {
		return false
	}
	q.scheduled = true
	return true
}

func (q *QueuedTransfer) submit() {
	if err := q.scheduler.Submit(q); err != nil {
		q.Abort(err)
	}
}

// Run drains the queue while the channel is writable.
func (q *QueuedTransfer) Run() {
	for {
		q.mu.Lock()
		if _, _, done := q.session.Result(); done {
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		if !q.ch.Active() {
			q.failLocked(errdefs.Errorf(errdefs.KindChannelClosed, "chunk queue", "channel %s closed", q.ch.ID()))
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		if !q.ch.Writable() {
			q.mu.Unlock()
			if err := q.scheduler.After(q.resumeDelay, q); err != nil {
				q.Abort(err)
			}
			return
		}
		next, ok := q.pending.DeleteMin()
		if !ok {
			if q.finished {
				q.session.Complete(struct{}{})
			}
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.space.Release(1)

		if err := q.ch.SendSync(context.Background(), next.packet); err != nil {
			next.sent.Fail(err)
			q.Fail(err)
			q.mu.Lock()
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		next.sent.Complete(struct{}{})
	}
}

// Abort fails the session when the scheduler cannot resume it.
func (q *QueuedTransfer) Abort(err error) {
	q.mu.Lock()
	q.failLocked(err)
	q.scheduled = false
	q.mu.Unlock()
}

func (q *QueuedTransfer) failLocked(err error) {
	discarded := 0
	for {
		c, ok := q.pending.DeleteMin()
		if !ok {
			break
		}
		c.packet.Release()
		c.sent.Fail(err)
		discarded++
	}
	if discarded > 0 {
		q.space.Release(int64(discarded))
	}
	if q.session.Fail(err) {
		q.logger.Warn("chunk session failed", zap.Int("discarded", discarded), zap.Error(err))
	}
}

var _ Task = (*QueuedTransfer)(nil)

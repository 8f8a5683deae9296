// Package query turns one-way packet flow into correlated request/response.
//
// Each outbound query gets a correlation id and a pending entry. The read
// side of a channel resolves the entry when a packet carrying the same id
// arrives; otherwise the entry fails with a timeout once the channel's query
// timeout has elapsed.
//
//	goroutine-1 ──SendQueryPacket(id=a)──┐
//	goroutine-2 ──SendQueryPacket(id=b)──┼──→ channel ──→ peer
//	                                     │
//	read loop:  ←── response(id=b) → Resolve → pending[b] → goroutine-2 wakes up
package query

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"fleetnet/errdefs"
	"fleetnet/future"
	"fleetnet/message"
	"fleetnet/network"
)

var (
	MetricQueryTimeoutCount = []string{"fleetnet", "query", "timeout", "count"}
	MetricQuerySentCount    = []string{"fleetnet", "query", "sent", "count"}
)

// ErrQueryTimeout is the cause of every timed out query.
var ErrQueryTimeout = errors.New("no response within query timeout")

type waiter struct {
	result *future.Future[*message.Packet]
	timer  *time.Timer
}

// Manager is safe for concurrent use. Pending entries live in a sync.Map so
// operations on unrelated correlation ids never contend on one lock.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger
	pending sync.Map // uuid.UUID -> *waiter
}

var _ network.QueryManager = (*Manager)(nil)

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager failing unanswered queries after timeout.
// A non-positive timeout falls back to network.DefaultQueryTimeout.
func NewManager(timeout time.Duration, opts ...Option) *Manager {
	if timeout <= 0 {
		timeout = network.DefaultQueryTimeout
	}
	m := &Manager{timeout: timeout, logger: zap.L()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// SendQueryPacket registers a pending entry for p and sends it through
// sender. p keeps its correlation id if it has one, otherwise a fresh one is
// assigned. The entry is registered before sending so a fast response cannot
// race past it.
func (m *Manager) SendQueryPacket(sender network.PacketSender, p *message.Packet) *future.Future[*message.Packet] {
	if !p.IsQuery() {
		p = p.WithUniqueID(uuid.New())
	}
	id := p.UniqueID()

	w := &waiter{result: future.New[*message.Packet]()}
	w.timer = time.AfterFunc(m.timeout, func() { m.expire(id, w) })
	if _, loaded := m.pending.LoadOrStore(id, w); loaded {
		// a caller reused an id that is still pending
		w.timer.Stop()
		return future.Failed[*message.Packet](errdefs.Errorf(errdefs.KindTransport, "query",
			"correlation id %s already pending", id))
	}

	if err := sender.Send(p); err != nil {
		if m.pending.CompareAndDelete(id, w) {
			w.timer.Stop()
		}
		kind := errdefs.KindOf(err)
		if kind == errdefs.KindUnknown {
			kind = errdefs.KindTransport
		}
		w.result.Fail(errdefs.New(kind, "query", err))
		return w.result
	}
	metrics.IncrCounter(MetricQuerySentCount, 1)
	return w.result
}

func (m *Manager) expire(id uuid.UUID, w *waiter) {
	// only an entry still pending may time out, so a late response can never
	// resolve it afterwards
	if !m.pending.CompareAndDelete(id, w) {
		return
	}
	metrics.IncrCounter(MetricQueryTimeoutCount, 1)
	m.logger.Debug("query timed out", zap.Stringer("id", id), zap.Duration("timeout", m.timeout))
	w.result.Fail(errdefs.New(errdefs.KindTimeout, "query "+id.String(), ErrQueryTimeout))
}

// Resolve completes the entry waiting for p's correlation id.
func (m *Manager) Resolve(p *message.Packet) bool {
	if !p.IsQuery() {
		return false
	}
	v, ok := m.pending.LoadAndDelete(p.UniqueID())
	if !ok {
		return false
	}
	w := v.(*waiter)
	w.timer.Stop()
	return w.result.Complete(p)
}

func (m *Manager) HasWaitingHandler(id uuid.UUID) bool {
	_, ok := m.pending.Load(id)
	return ok
}

func (m *Manager) WaitingHandler(id uuid.UUID) (*future.Future[*message.Packet], bool) {
	v, ok := m.pending.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*waiter).result, true
}

// UnregisterWaitingHandler drops the entry for id and fails its future as
// cancelled. A response arriving later is dispatched like any other packet.
func (m *Manager) UnregisterWaitingHandler(id uuid.UUID) bool {
	v, ok := m.pending.LoadAndDelete(id)
	if ok {
		w := v.(*waiter)
		w.timer.Stop()
		w.result.Fail(errdefs.New(errdefs.KindCancelled, "query "+id.String(), nil))
	}
	return ok
}

func (m *Manager) WaitingHandlers() int {
	n := 0
	m.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// FailAll fails and removes every pending entry, for example when the
// channel closed.
func (m *Manager) FailAll(err error) {
	m.pending.Range(func(key, value any) bool {
		if m.pending.CompareAndDelete(key, value) {
			w := value.(*waiter)
			w.timer.Stop()
			w.result.Fail(err)
		}
		return true
	})
}

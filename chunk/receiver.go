package chunk

import (
	"bytes"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"fleetnet/errdefs"
	"fleetnet/message"
	"fleetnet/network"
)

const (
	// DefaultIdleTimeout evicts sessions that received no chunk for this long.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxSessions bounds the sessions reassembled at once.
	DefaultMaxSessions = 1024
)

// Handler consumes the reassembled stream of one session. Exactly one of its
// methods is called per session.
type Handler interface {
	Complete(info SessionInformation, data io.Reader) error
	Fail(info SessionInformation, err error)
}

// Factory creates the handler of a session when its first chunk arrives.
type Factory func(info SessionInformation) (Handler, error)

// Funcs adapts two functions to Handler. Either may be nil.
type Funcs struct {
	OnComplete func(info SessionInformation, data io.Reader) error
	OnFail     func(info SessionInformation, err error)
}

func (f Funcs) Complete(info SessionInformation, data io.Reader) error {
	if f.OnComplete == nil {
		return nil
	}
	return f.OnComplete(info, data)
}

func (f Funcs) Fail(info SessionInformation, err error) {
	if f.OnFail != nil {
		f.OnFail(info, err)
	}
}

type session struct {
	info     SessionInformation
	handler  Handler
	channel  uuid.UUID
	chunks   map[int32][]byte
	total    int32 // -1 until the final chunk arrived
	lastSeen time.Time
	// done is set once the session left the table for any reason
	done bool
}

func (s *session) complete() bool {
	return s.total >= 0 && len(s.chunks) == int(s.total)+1
}

func (s *session) reader() (io.Reader, int) {
	indices := make([]int32, 0, len(s.chunks))
	for i := range s.chunks {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	readers := make([]io.Reader, len(indices))
	size := 0
	for n, i := range indices {
		readers[n] = bytes.NewReader(s.chunks[i])
		size += len(s.chunks[i])
	}
	return io.MultiReader(readers...), size
}

// failure is a session leaving the table unfinished.
type failure struct {
	s   *session
	err error
}

// Listener reassembles chunked transfers arriving on
// network.ChannelChunkedTransfer. Sessions are kept in a bounded LRU table;
// the least recently active one is evicted when it is full, and a janitor
// evicts sessions idle for longer than the idle timeout. Sessions also fail
// when the channel that carried them closes.
type Listener struct {
	factory     Factory
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions *lru.Cache // uuid.UUID -> *session
	evicted  []failure  // filled by the eviction callback under mu
	watched  map[uuid.UUID]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	maxSessions     int
	idleTimeout     time.Duration
	janitorInterval time.Duration
	logger          *zap.Logger
}

func WithMaxSessions(n int) ListenerOption {
	return func(c *listenerConfig) {
		if n > 0 {
			c.maxSessions = n
		}
	}
}

// WithIdleTimeout sets how long a session may go without chunks. Zero
// disables the janitor.
func WithIdleTimeout(d time.Duration) ListenerOption {
	return func(c *listenerConfig) {
		c.idleTimeout = d
	}
}

// WithJanitorInterval sets how often idle sessions are looked for. Defaults
// to half the idle timeout.
func WithJanitorInterval(d time.Duration) ListenerOption {
	return func(c *listenerConfig) {
		c.janitorInterval = d
	}
}

func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(c *listenerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewListener creates a receiver creating session handlers with factory.
// Close stops its janitor.
func NewListener(factory Factory, opts ...ListenerOption) *Listener {
	cfg := listenerConfig{
		maxSessions: DefaultMaxSessions,
		idleTimeout: DefaultIdleTimeout,
		logger:      zap.L(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Listener{
		factory:     factory,
		idleTimeout: cfg.idleTimeout,
		logger:      cfg.logger,
		now:         time.Now,
		watched:     make(map[uuid.UUID]struct{}),
		stop:        make(chan struct{}),
	}
	// maxSessions is positive, lru.NewWithEvict cannot fail
	l.sessions, _ = lru.NewWithEvict(cfg.maxSessions, l.onEvict)

	if cfg.idleTimeout > 0 {
		interval := cfg.janitorInterval
		if interval <= 0 {
			interval = cfg.idleTimeout / 2
		}
		l.wg.Add(1)
		go l.janitor(interval)
	}
	return l
}

func (l *Listener) String() string {
	return "chunk.Listener"
}

// Sessions returns the number of sessions being reassembled.
func (l *Listener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions.Len()
}

// onEvict runs under l.mu for every entry leaving the table.
func (l *Listener) onEvict(_, value interface{}) {
	s := value.(*session)
	if s.done {
		return
	}
	s.done = true
	metrics.IncrCounter(MetricSessionEvictedCount, 1)
	l.evicted = append(l.evicted, failure{s: s, err: errdefs.Errorf(errdefs.KindEvicted,
		"chunk session "+s.info.String(), "too many concurrent sessions")})
}

func (l *Listener) HandlePacket(ch network.Channel, p *message.Packet) error {
	c, err := decodeChunk(p.Content())
	if err != nil {
		return errdefs.New(errdefs.KindSerialization, "chunk", err)
	}
	metrics.IncrCounter(MetricReceivedBytes, float32(len(c.data)))

	l.mu.Lock()
	s, err := l.sessionFor(ch, c.info)
	if err != nil {
		failures := l.takeEvicted()
		l.mu.Unlock()
		l.fail(failures...)
		return err
	}
	s.lastSeen = l.now()

	var (
		failures []failure
		done     bool
	)
	switch {
	case s.total >= 0 && c.index > s.total:
		failures = append(failures, l.removeLocked(s, errdefs.Errorf(errdefs.KindSerialization,
			"chunk session "+s.info.String(), "chunk %d beyond declared total %d", c.index, s.total)))
	case c.final && s.total < 0 && s.maxIndex() > c.total:
		failures = append(failures, l.removeLocked(s, errdefs.Errorf(errdefs.KindSerialization,
			"chunk session "+s.info.String(), "final chunk declares %d chunks, chunk %d arrived", c.total, s.maxIndex())))
	default:
		if _, dup := s.chunks[c.index]; !dup {
			s.chunks[c.index] = c.data
			if c.final {
				s.total = c.total
			}
		}
		if s.complete() {
			s.done = true
			l.sessions.Remove(s.info.SessionID)
			done = true
		}
	}
	failures = append(failures, l.takeEvicted()...)
	l.mu.Unlock()

	l.fail(failures...)
	if len(failures) > 0 && failures[0].s == s {
		return failures[0].err
	}
	if done {
		return l.finish(s)
	}
	return nil
}

func (s *session) maxIndex() int32 {
	highest := int32(-1)
	for i := range s.chunks {
		highest = max(highest, i)
	}
	return highest
}

// sessionFor returns the session of info, creating it on its first chunk.
func (l *Listener) sessionFor(ch network.Channel, info SessionInformation) (*session, error) {
	if v, ok := l.sessions.Get(info.SessionID); ok {
		return v.(*session), nil
	}
	handler, err := l.factory(info)
	if err != nil {
		return nil, fmt.Errorf("chunk session %s: %w", info, err)
	}
	s := &session{
		info:    info,
		handler: handler,
		channel: ch.ID(),
		chunks:  make(map[int32][]byte),
		total:   -1,
	}
	l.sessions.Add(info.SessionID, s)
	l.watch(ch)
	return s, nil
}

// watch fails the sessions of ch once it closes.
func (l *Listener) watch(ch network.Channel) {
	if _, ok := l.watched[ch.ID()]; ok {
		return
	}
	l.watched[ch.ID()] = struct{}{}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case <-ch.Done():
			l.dropChannel(ch.ID())
		case <-l.stop:
		}
	}()
}

func (l *Listener) dropChannel(id uuid.UUID) {
	l.mu.Lock()
	delete(l.watched, id)
	var failures []failure
	for _, key := range l.sessions.Keys() {
		v, ok := l.sessions.Peek(key)
		if !ok {
			continue
		}
		if s := v.(*session); s.channel == id {
			failures = append(failures, l.removeLocked(s, errdefs.Errorf(errdefs.KindChannelClosed,
				"chunk session "+s.info.String(), "channel %s closed", id)))
		}
	}
	l.mu.Unlock()
	l.fail(failures...)
}

func (l *Listener) janitor(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.EvictIdle()
		case <-l.stop:
			return
		}
	}
}

// EvictIdle fails every session idle for longer than the idle timeout.
func (l *Listener) EvictIdle() {
	if l.idleTimeout <= 0 {
		return
	}
	l.mu.Lock()
	now := l.now()
	var failures []failure
	for _, key := range l.sessions.Keys() {
		v, ok := l.sessions.Peek(key)
		if !ok {
			continue
		}
		if s := v.(*session); now.Sub(s.lastSeen) > l.idleTimeout {
			metrics.IncrCounter(MetricSessionEvictedCount, 1)
			failures = append(failures, l.removeLocked(s, errdefs.Errorf(errdefs.KindEvicted,
				"chunk session "+s.info.String(), "no chunk for %s", now.Sub(s.lastSeen).Round(time.Second))))
		}
	}
	l.mu.Unlock()
	l.fail(failures...)
}

// Close stops the janitor and fails every unfinished session.
func (l *Listener) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	l.mu.Lock()
	var failures []failure
	for _, key := range l.sessions.Keys() {
		if v, ok := l.sessions.Peek(key); ok {
			s := v.(*session)
			failures = append(failures, l.removeLocked(s, errdefs.Errorf(errdefs.KindShutdown,
				"chunk session "+s.info.String(), "receiver closed")))
		}
	}
	l.mu.Unlock()
	l.fail(failures...)
	return nil
}

func (l *Listener) removeLocked(s *session, err error) failure {
	s.done = true
	l.sessions.Remove(s.info.SessionID)
	return failure{s: s, err: err}
}

func (l *Listener) takeEvicted() []failure {
	out := l.evicted
	l.evicted = nil
	return out
}

func (l *Listener) fail(failures ...failure) {
	for _, f := range failures {
		metrics.IncrCounter(MetricSessionFailureCount, 1)
		l.logger.Warn("chunk session failed",
			zap.Stringer("session", f.s.info.SessionID),
			zap.String("transfer", f.s.info.TransferChannel),
			zap.Error(f.err))
		l.call(f.s, func() error {
			f.s.handler.Fail(f.s.info, f.err)
			return nil
		})
	}
}

func (l *Listener) finish(s *session) error {
	data, size := s.reader()
	err := l.call(s, func() error { return s.handler.Complete(s.info, data) })
	if err != nil {
		metrics.IncrCounter(MetricSessionFailureCount, 1)
		return fmt.Errorf("chunk session %s: %w", s.info, err)
	}
	metrics.IncrCounter(MetricSessionCompletedCount, 1)
	l.logger.Debug("chunk session complete",
		zap.Stringer("session", s.info.SessionID),
		zap.String("transfer", s.info.TransferChannel),
		zap.Int("bytes", size),
		zap.Int32("chunks", s.total+1))
	return nil
}

// call runs a handler callback, turning a panic into an error.
func (l *Listener) call(s *session, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("chunk handler panicked",
				zap.Stringer("session", s.info.SessionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("chunk handler panicked: %v", r)
		}
	}()
	return fn()
}

var _ network.Listener = (*Listener)(nil)

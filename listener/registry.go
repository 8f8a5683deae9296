// Package listener implements the per-channel packet dispatch table.
//
// A Registry may have a parent. On every HandlePacket the parent runs first,
// then the registry's own listeners for the packet's channel id in the order
// they were added. One failing listener never prevents the others from
// running; every failure is returned, wrapped with the listener and channel.
package listener

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"fleetnet/message"
	"fleetnet/network"
)

type entry struct {
	listener network.Listener
	owner    *network.Owner
}

// Registry is safe for concurrent use. Dispatch works on a snapshot, so
// listeners may add or remove registrations while being invoked.
type Registry struct {
	parent network.ListenerRegistry

	mu        sync.RWMutex
	listeners map[int32][]entry
}

var _ network.ListenerRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithParent makes parent run before this registry on every packet.
func WithParent(parent network.ListenerRegistry) Option {
	return func(r *Registry) {
		r.parent = parent
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{listeners: make(map[int32][]entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Parent() network.ListenerRegistry {
	return r.parent
}

func (r *Registry) Add(channel int32, listeners ...network.Listener) {
	r.AddOwned(nil, channel, listeners...)
}

// AddOwned registers listeners tagged with owner for RemoveOwner.
func (r *Registry) AddOwned(owner *network.Owner, channel int32, listeners ...network.Listener) {
	if len(listeners) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// copy on write: snapshots handed to HandlePacket are never mutated
	old := r.listeners[channel]
	next := make([]entry, len(old), len(old)+len(listeners))
	copy(next, old)
	for _, l := range listeners {
		next = append(next, entry{listener: l, owner: owner})
	}
	r.listeners[channel] = next
}

// Remove unregisters the given listeners; the channel entry is pruned once empty.
func (r *Registry) Remove(channel int32, listeners ...network.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.filter(channel, func(e entry) bool {
		for _, l := range listeners {
			if sameListener(e.listener, l) {
				return false
			}
		}
		return true
	})
}

func (r *Registry) RemoveChannel(channel int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, channel)
}

// RemoveOwner unregisters every listener added with owner, on all channels.
func (r *Registry) RemoveOwner(owner *network.Owner) {
	if owner == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for channel := range r.listeners {
		r.filter(channel, func(e entry) bool { return e.owner != owner })
	}
}

// filter keeps the entries of channel for which keep is true. Callers hold mu.
func (r *Registry) filter(channel int32, keep func(entry) bool) {
	old, ok := r.listeners[channel]
	if !ok {
		return
	}
	next := make([]entry, 0, len(old))
	for _, e := range old {
		if keep(e) {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(r.listeners, channel)
		return
	}
	r.listeners[channel] = next
}

func (r *Registry) Has(channel int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listeners[channel]
	return ok
}

// Channels returns the channel ids with at least one listener, sorted.
func (r *Registry) Channels() []int32 {
	r.mu.RLock()
	out := make([]int32, 0, len(r.listeners))
	for channel := range r.listeners {
		out = append(out, channel)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Listeners(channel int32) []network.Listener {
	snapshot := r.snapshot(channel)
	out := make([]network.Listener, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.listener
	}
	return out
}

func (r *Registry) snapshot(channel int32) []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners[channel]
}

// HandlePacket runs the parent, then every listener registered for the
// packet's channel id. The returned error aggregates all listener failures.
func (r *Registry) HandlePacket(ch network.Channel, p *message.Packet) error {
	var errs error
	if r.parent != nil {
		errs = r.parent.HandlePacket(ch, p)
	}

	for _, e := range r.snapshot(p.Channel()) {
		// every listener sees the content from the start
		p.Content().Reset()
		if err := invoke(e.listener, ch, p); err != nil {
			errs = multierr.Append(errs, &Error{Listener: e.listener, Channel: p.Channel(), Err: err})
		}
	}
	return errs
}

func invoke(l network.Listener, ch network.Channel, p *message.Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return l.HandlePacket(ch, p)
}

// Error reports a listener failure.
type Error struct {
	Listener network.Listener
	Channel  int32
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("listener %s on channel %d: %v", listenerName(e.Listener), e.Channel, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func listenerName(l network.Listener) string {
	if s, ok := l.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", l)
}

// sameListener compares listeners by identity. Non-comparable listeners
// (for example ListenerFunc values) never match.
func sameListener(a, b network.Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

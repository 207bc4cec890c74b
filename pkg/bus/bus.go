// Package bus provides in-process event delivery from the orchestrator
// to SSE clients.
//
// Each session owns a bounded backlog (default 500 events) so a client
// that connects late still sees the run so far. Live subscribers carry
// their own bounded queue with the same cap. Both drop the oldest event
// on overflow and surface a synthetic {type: "overflow"} marker so the
// client knows to do a full reload instead of trusting the gap.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds both the per-session backlog and each
// subscriber queue.
const DefaultQueueSize = 500

// Bus fans session events out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionStream
	queueSize int
	dropped   atomic.Int64
}

type sessionStream struct {
	mu         sync.Mutex
	backlog    []Event
	overflowed bool
	subs       map[*Subscription]struct{}
	closed     bool
}

// New returns a bus with the given queue bound; zero or negative means
// DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		sessions:  make(map[string]*sessionStream),
		queueSize: queueSize,
	}
}

// Push appends an event to the session's backlog and delivers it to all
// live subscribers. Sessions are created lazily so events published
// before the first subscriber are not lost.
func (b *Bus) Push(sessionID string, ev Event) {
	if ev == nil {
		return
	}
	s := b.stream(sessionID, true)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.backlog) >= b.queueSize {
		s.backlog = s.backlog[1:]
		s.overflowed = true
		b.dropped.Add(1)
	}
	s.backlog = append(s.backlog, ev)
	// Snapshot subscribers under the lock, deliver after releasing it so
	// a slow subscriber queue never stalls the publisher.
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.push(ev, b.queueSize) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe attaches a new subscriber to the session. The backlog so
// far is replayed first, then live events follow. The caller must Close
// the subscription when done.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	s := b.stream(sessionID, true)
	sub := &Subscription{
		notify: make(chan struct{}, 1),
	}
	sub.detach = func() { s.remove(sub) }

	s.mu.Lock()
	if s.closed {
		sub.closed = true
	} else {
		sub.pending = append(sub.pending, s.backlog...)
		sub.overflowed = s.overflowed
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()
	return sub
}

// CloseSession ends the session's stream: every subscriber drains its
// pending events and then sees the stream end. The backlog is released.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.backlog = nil
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
}

// Shutdown closes every session stream.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.CloseSession(id)
	}
}

// Sessions returns how many session streams are live.
func (b *Bus) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// QueueDepth sums backlog lengths across all sessions. Exported for the
// metrics gauge.
func (b *Bus) QueueDepth() int {
	b.mu.RLock()
	streams := make([]*sessionStream, 0, len(b.sessions))
	for _, s := range b.sessions {
		streams = append(streams, s)
	}
	b.mu.RUnlock()

	depth := 0
	for _, s := range streams {
		s.mu.Lock()
		depth += len(s.backlog)
		s.mu.Unlock()
	}
	return depth
}

// Dropped returns the total number of events discarded by overflow.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) stream(sessionID string, create bool) *sessionStream {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		return s
	}
	s = &sessionStream{subs: make(map[*Subscription]struct{})}
	b.sessions[sessionID] = s
	return s
}

func (s *sessionStream) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is one consumer's view of a session stream. Events
// arrive in publish order; an overflow marker replaces any dropped
// prefix.
type Subscription struct {
	mu         sync.Mutex
	pending    []Event
	overflowed bool
	closed     bool
	notify     chan struct{}
	detach     func()
}

// push enqueues an event, dropping the oldest on overflow. It reports
// whether an event was dropped.
func (s *Subscription) push(ev Event, max int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.pending) >= max {
		s.pending = s.pending[1:]
		s.overflowed = true
		dropped = true
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.wake()
	return dropped
}

// Next blocks until the next event is available. It returns false when
// the stream has ended and all pending events were consumed, or when
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if s.overflowed {
			s.overflowed = false
			s.mu.Unlock()
			return Event{"type": EventOverflow}, true
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Done reports whether the stream ended and every pending event was
// consumed. Lets pollers tell "stream over" apart from "nothing yet".
func (s *Subscription) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && len(s.pending) == 0
}

// Close detaches the subscription from its session. Pending events are
// discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	if s.detach != nil {
		s.detach()
	}
	s.wake()
}

// end marks the stream finished but leaves pending events for the
// consumer to drain.
func (s *Subscription) end() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

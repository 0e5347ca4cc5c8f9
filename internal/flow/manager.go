// Package flow is the in-process event backbone. Connectors feed their
// bounded output channels into a shared append log; consumers read through
// subscriptions with independent cursors, so a slow consumer never blocks
// a fast one. When a consumer falls more than the ring size behind, the
// overwritten events are counted as a gap instead of stalling producers.
package flow

import (
	"context"
	"errors"
	"sync"

	"crossflow/internal/model"
	"crossflow/logger"
)

// ErrClosed is returned by Subscription.Next after the manager shuts down
// and the subscriber has drained every retained event.
var ErrClosed = errors.New("flow: manager closed")

const defaultRingSize = 8192

// Manager owns the append log and the subscriber registry.
type Manager struct {
	mu     sync.Mutex
	ring   []model.Event
	size   uint64
	next   uint64 // seq assigned to the next appended event, starts at 1
	subs   map[*Subscription]struct{}
	closed bool

	wg  sync.WaitGroup
	log *logger.Log
}

// NewManager creates a manager retaining the last ringSize events.
func NewManager(ringSize int) *Manager {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	m := &Manager{
		ring: make([]model.Event, ringSize),
		size: uint64(ringSize),
		next: 1,
		subs: make(map[*Subscription]struct{}),
		log:  logger.GetLogger(),
	}
	m.log.WithComponent("flow_manager").WithFields(logger.Fields{
		"ring_size": ringSize,
	}).Info("flow manager initialized")
	return m
}

// Publish appends one event, assigns its sequence number and wakes
// subscribers. Events republished by the execution layer enter here the
// same way connector events do.
func (m *Manager) Publish(ev model.Event) uint64 {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	seq := m.next
	ev.Seq = seq
	m.ring[(seq-1)%m.size] = ev
	m.next++
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.notify()
	}
	return seq
}

// Attach drains a connector channel into the log until the channel closes
// or ctx is cancelled. Per-source ordering is preserved because each source
// has exactly one drain goroutine.
func (m *Manager) Attach(ctx context.Context, name string, ch <-chan model.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					m.log.WithComponent("flow_manager").WithFields(logger.Fields{
						"source": name,
					}).Info("source channel closed")
					return
				}
				m.Publish(ev)
				logger.RecordChannelMessage(name, 1)
			}
		}
	}()
}

// Subscribe registers a consumer. The cursor starts at the current head,
// so only events published after the call are delivered.
func (m *Manager) Subscribe(name string, filter Filter) *Subscription {
	s := &Subscription{
		name:   name,
		m:      m,
		filter: filter,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	s.cursor = m.next
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Unsubscribe detaches a consumer. Its pending Next call returns ErrClosed.
func (m *Manager) Unsubscribe(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

// Close stops accepting events and releases blocked subscribers once they
// drain. Attach goroutines exit via their contexts; Close waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.notify()
	}
	m.wg.Wait()
	m.log.WithComponent("flow_manager").Info("flow manager closed")
}

// head returns the next sequence number and the oldest retained one.
func (m *Manager) head() (next, oldest uint64) {
	next = m.next
	oldest = 1
	if next > m.size {
		oldest = next - m.size
	}
	return next, oldest
}

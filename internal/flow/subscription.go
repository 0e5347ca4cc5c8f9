package flow

import (
	"context"
	"sync"

	"crossflow/internal/model"
	"crossflow/logger"
)

// Filter limits a subscription to the listed exchanges, symbols and event
// types. An empty slice matches everything for that dimension.
type Filter struct {
	Exchanges []model.Exchange
	Symbols   []string
	Types     []model.EventType
}

func (f Filter) match(ev model.Event) bool {
	if len(f.Exchanges) > 0 && !containsExchange(f.Exchanges, ev.Exchange) {
		return false
	}
	if len(f.Symbols) > 0 && ev.Symbol != "" && !containsString(f.Symbols, ev.Symbol) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	return true
}

func containsExchange(list []model.Exchange, v model.Exchange) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(list []model.EventType, v model.EventType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

// Subscription is one consumer's cursor into the manager's log. Next is
// intended for a single goroutine; Gaps may be read from anywhere.
type Subscription struct {
	name   string
	m      *Manager
	filter Filter
	signal chan struct{}

	cursor uint64 // next seq to deliver, guarded by m.mu
	gaps   uint64
	gapsMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// Name identifies the subscriber in logs.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event matching the filter is available, the
// subscription is cancelled, or the manager closes with nothing left to
// drain. When the consumer lagged past the ring the skipped events count
// toward Gaps and delivery resumes at the oldest retained event.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		s.m.mu.Lock()
		next, oldest := s.m.head()
		if s.cursor < oldest {
			skipped := oldest - s.cursor
			s.cursor = oldest
			s.m.mu.Unlock()
			s.gapsMu.Lock()
			s.gaps += skipped
			s.gapsMu.Unlock()
			s.m.log.WithComponent("flow_manager").WithFields(logger.Fields{
				"subscriber": s.name,
				"skipped":    skipped,
			}).Warn("subscriber lagged past ring, events dropped")
			continue
		}
		if s.cursor < next {
			ev := s.m.ring[(s.cursor-1)%s.m.size]
			s.cursor++
			s.m.mu.Unlock()
			if s.filter.match(ev) {
				return ev, nil
			}
			continue
		}
		closed := s.m.closed
		s.m.mu.Unlock()
		if closed {
			return model.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.done:
			return model.Event{}, ErrClosed
		case <-s.signal:
		}
	}
}

// Gaps reports how many events this subscriber lost to ring overwrites.
func (s *Subscription) Gaps() uint64 {
	s.gapsMu.Lock()
	defer s.gapsMu.Unlock()
	return s.gaps
}

// Close detaches the subscription from the manager.
func (s *Subscription) Close() {
	s.m.Unsubscribe(s)
}

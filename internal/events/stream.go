// Package events provides a small broadcast stream with replay-latest
// semantics, used for state streams such as the connection state.
package events

import "sync"

// Stream fans values out to all subscribers. The most recent value is
// cached and delivered immediately to late subscribers.
type Stream[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
	last T
	has  bool
}

// NewStream creates an empty stream with no cached value.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Publish stores v as the latest value and delivers it to every
// subscriber. Delivery is non-blocking; a subscriber that has fallen
// 16 values behind loses the oldest ones.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = v
	s.has = true
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called to release it. If a value has been published before, it is
// replayed into the channel immediately.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan T, 16)
	s.subs[id] = ch
	if s.has {
		ch <- s.last
	}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
	return ch, cancel
}

// Latest returns the most recently published value, if any.
func (s *Stream[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.has
}

package cloud

import "sync"

// Subject holds a current value and fans every change out to subscribers.
// New subscribers receive the current value first. A slow subscriber loses
// the oldest pending value rather than blocking Publish.
type Subject[T comparable] struct {
	mu     sync.Mutex
	value  T
	subs   map[int]chan T
	next   int
	closed bool
}

func NewSubject[T comparable](initial T) *Subject[T] {
	return &Subject[T]{value: initial, subs: make(map[int]chan T)}
}

func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Publish stores v and notifies subscribers. It reports false when v equals
// the current value and nothing was emitted.
func (s *Subject[T]) Publish(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || v == s.value {
		return false
	}
	s.value = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
	return true
}

// Emit notifies subscribers even when v equals the current value.
func (s *Subject[T]) Emit(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it.
func (s *Subject[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.value
	id := s.next
	s.next++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

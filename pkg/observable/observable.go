// Package observable holds the small stream primitives used to fan document and
// service events out to subscribers.
//
// A Subject is hot: subscribers only see values emitted after they subscribed. A
// Behavior additionally remembers the latest value and hands it to every new
// subscriber before any later emission.
package observable

import (
	"sync"
)

// Observable is the read side of a stream.
type Observable[T any] interface {
	// Subscribe registers fn and returns a function that removes it again. The
	// returned function is safe to call more than once.
	Subscribe(fn func(T)) (unsubscribe func())
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subject is a hot stream. Emit delivers synchronously, on the emitting goroutine,
// in subscription order.
type Subject[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

func (s *Subject[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subject[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Emit sends v to the current subscribers. The subscriber list is copied first so
// callbacks may subscribe or unsubscribe while being called.
func (s *Subject[T]) Emit(v T) {
	s.mu.Lock()
	subs := make([]subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(v)
	}
}

// Len reports the number of active subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Behavior is a Subject that replays its current value to new subscribers.
// Emissions are serialized, so every subscriber ends on the latest value. A
// callback must not Set, Update or Subscribe to the Behavior that invoked it.
type Behavior[T any] struct {
	subject *Subject[T]

	// emit is held while a value is stored and delivered, and while a new
	// subscriber is registered and handed the current value.
	emit    sync.Mutex
	mu      sync.Mutex
	current T
}

func NewBehavior[T any](initial T) *Behavior[T] {
	return &Behavior[T]{subject: NewSubject[T](), current: initial}
}

func (b *Behavior[T]) Subscribe(fn func(T)) func() {
	b.emit.Lock()
	defer b.emit.Unlock()
	unsubscribe := b.subject.Subscribe(fn)
	fn(b.Value())
	return unsubscribe
}

// Value returns the latest value.
func (b *Behavior[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Set stores v and emits it to all subscribers.
func (b *Behavior[T]) Set(v T) {
	b.emit.Lock()
	defer b.emit.Unlock()
	b.mu.Lock()
	b.current = v
	b.mu.Unlock()
	b.subject.Emit(v)
}

// Update applies fn to the current value and emits the result.
func (b *Behavior[T]) Update(fn func(T) T) T {
	b.emit.Lock()
	defer b.emit.Unlock()
	b.mu.Lock()
	next := fn(b.current)
	b.current = next
	b.mu.Unlock()
	b.subject.Emit(next)
	return next
}

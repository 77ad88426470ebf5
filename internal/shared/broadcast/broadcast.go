// Package broadcast implements in-process fan-out of state snapshots to observers.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Broadcaster delivers values of type T to every subscribed callback.
// Publish runs callbacks synchronously in subscription order, outside the
// internal lock, so a callback may Subscribe or Release without deadlock.
type Broadcaster[T any] struct {
	mu    sync.RWMutex
	order []string
	subs  map[string]func(T)
}

func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[string]func(T))}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID      string
	release func()
	once    sync.Once
}

// Release stops further deliveries. Safe to call more than once.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()
	return &Subscription{ID: id, release: func() { b.remove(id) }}
}

func (b *Broadcaster[T]) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package reactive

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscriber receives values published to the Observable.
type Subscriber[T any] struct {
	c         chan T
	container *Observable[T]
	once      sync.Once
}

// Cancel removes subscriber from container and closes its channel.
// Not calling this method may result in memory leak.
func (s *Subscriber[T]) Cancel() {
	s.once.Do(func() {
		s.container.delete(s)
		close(s.c)
	})
}

// Channel returns channel that can be used to read from observable.
func (s *Subscriber[T]) Channel() <-chan T {
	return s.c
}

// Observable creates a container for subscribers.
// This works in single producer multiple consumer pattern.
// Publishing never blocks, a value is dropped for the subscriber whose buffer is full.
type Observable[T any] struct {
	mux         sync.RWMutex
	subscribers map[*Subscriber[T]]struct{}
	size        int
	dropped     atomic.Uint64
}

// New creates Observable container that holds channels for all subscribers.
// size is the buffer size of each channel.
func New[T any](size int) *Observable[T] {
	if size < 1 {
		size = 1
	}
	return &Observable[T]{
		subscribers: make(map[*Subscriber[T]]struct{}),
		size:        size,
	}
}

// Subscribe subscribes to the container.
func (o *Observable[T]) Subscribe() *Subscriber[T] {
	s := &Subscriber[T]{
		c:         make(chan T, o.size),
		container: o,
	}
	o.mux.Lock()
	defer o.mux.Unlock()
	o.subscribers[s] = struct{}{}
	return s
}

// Publish publishes value to all subscribers.
func (o *Observable[T]) Publish(v T) {
	o.mux.RLock()
	defer o.mux.RUnlock()
	for s := range o.subscribers {
		select {
		case s.c <- v:
		default:
			o.dropped.Add(1)
		}
	}
}

// Notify publishes value to all subscribers.
func (o *Observable[T]) Notify(_ context.Context, v T) error {
	o.Publish(v)
	return nil
}

// Dropped returns the number of values not delivered to slow subscribers.
func (o *Observable[T]) Dropped() uint64 {
	return o.dropped.Load()
}

func (o *Observable[T]) delete(s *Subscriber[T]) {
	o.mux.Lock()
	defer o.mux.Unlock()
	delete(o.subscribers, s)
}

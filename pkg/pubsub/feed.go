// Package pubsub provides typed event feeds. Each event category gets its
// own Feed so subscribers are statically typed.
package pubsub

import "sync"

// Feed delivers values of one type to its subscribers. Handlers run
// synchronously on the publishing goroutine, in subscription order, so a
// subscriber observes events in the order they were published by a single
// goroutine. Handlers must not block.
type Feed[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers = append(f.handlers, handler[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, h := range f.handlers {
				if h.id == id {
					f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every current subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	hs := f.handlers
	f.mu.RUnlock()
	for _, h := range hs {
		h.fn(v)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

// Chan subscribes a buffered channel to the feed. Values published while the
// buffer is full are dropped. The returned function unsubscribes; the channel
// is not closed so pending reads never race with a close.
func (f *Feed[T]) Chan(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	unsub := f.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch, unsub
}

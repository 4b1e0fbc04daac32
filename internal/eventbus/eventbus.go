package eventbus

import "sync"

// Channel is a typed, multicast, replay-free publish/subscribe channel.
// Publish invokes every current subscriber synchronously, in subscription order,
// on the caller's goroutine, and returns after the last one.
type Channel[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn for values published from now on and returns a function that
// removes it. The returned function is idempotent. Changes made during a Publish apply
// from the next Publish.
func (c *Channel[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(id) })
	}
}

// Publish delivers v to all current subscribers.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of current subscribers.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Channel[T]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Copy on write so an in-progress Publish keeps iterating its own slice.
	out := make([]subscriber[T], 0, len(c.subs))
	for _, s := range c.subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	c.subs = out
}

// Bus carries location events between the location list and the weather store.
type Bus struct {
	// LocationsChanged fires with a copy of the full location list after every add or remove.
	LocationsChanged Channel[[]string]
	// LocationAlreadyTracked fires when an add is found to duplicate a tracked zip.
	LocationAlreadyTracked Channel[string]
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

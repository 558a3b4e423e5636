// Package progress distributes solver iteration updates to observers
// without coupling the optimization loop to any of them.
package progress

import "sync"

// Update describes the state of a solve after one completed iteration.
type Update struct {
	Run       string
	Iteration int
	Objective float64
}

// Broadcaster fans Updates out to subscribed callbacks. All methods are
// safe for concurrent use and safe on a nil receiver, which publishes
// to nobody.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]func(Update)
	next int
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Update))}
}

// Subscribe registers fn for future updates. The returned function
// removes the subscription and may be called from inside fn.
func (b *Broadcaster) Subscribe(fn func(Update)) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers u to every current subscriber on the calling
// goroutine. Callbacks run outside the lock.
func (b *Broadcaster) Publish(u Update) {
	if b == nil {
		return
	}
	b.mu.RLock()
	fns := make([]func(Update), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}

// Package cancel provides a cooperative cancellation token for long
// running solves. A token is created per solve, handed to whatever may
// want to interrupt the run, and polled by the optimization loop at
// iteration boundaries. The loop is never interrupted mid-evaluation.
package cancel

import (
	"context"
	"sync"
)

// Token signals cooperative cancellation of a single solve. A token
// cannot be reset; one token serves exactly one solve. The zero value
// is not usable, create tokens with NewToken.
type Token struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
	subs    map[int]func()
	nextSub int
}

// NewToken returns a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{
		done: make(chan struct{}),
		subs: make(map[int]func()),
	}
}

// Cancel requests cancellation. It is safe to call from any goroutine
// and is idempotent: only the first call closes the done channel and
// notifies subscribers.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.done)
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subs = nil
	t.mu.Unlock()

	// Callbacks run outside the lock so they may inspect the token.
	for _, fn := range fns {
		fn()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.done }

// Subscribe registers fn to run once when the token is cancelled. If
// the token is already cancelled, fn runs immediately on the calling
// goroutine. The returned function removes the subscription; calling
// it after cancellation is a no-op.
func (t *Token) Subscribe(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// BindContext cancels the token when ctx is done. The returned release
// function stops the forwarding; callers must invoke it once the solve
// finishes so the forwarding goroutine does not outlive the run.
func (t *Token) BindContext(ctx context.Context) (release func()) {
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			// The context may have raced a concurrent release; release wins.
			select {
			case <-stop:
			default:
				t.Cancel()
			}
		case <-t.done:
		case <-stop:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-exited
	}
}

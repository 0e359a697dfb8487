// Package notify provides context-aware signalling primitives used by the
// queues of the runner: a level-triggered Event and a broadcast Cond.
package notify

import (
	"context"
	"sync"
)

// Event is a level-triggered flag that goroutines can wait on.
// Wait returns immediately while the flag is set.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent creates an event in the given initial state.
func NewEvent(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		e.set = true
		close(e.ch)
	}
	return e
}

// Set raises the flag and wakes every waiter.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Clear lowers the flag.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports the current state of the flag.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the flag is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cond is a broadcast condition. Waiters take the channel from C before
// checking their predicate; any Broadcast after that point closes it.
type Cond struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewCond creates a ready-to-use Cond.
func NewCond() *Cond {
	return &Cond{ch: make(chan struct{})}
}

// C returns the channel closed by the next Broadcast.
func (c *Cond) C() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Broadcast wakes every goroutine holding the current channel.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.ch)
	c.ch = make(chan struct{})
}

// WaitFor blocks until pred returns true or ctx is done. pred is evaluated
// after every Broadcast.
func (c *Cond) WaitFor(ctx context.Context, pred func() bool) error {
	for {
		ch := c.C()
		if pred() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

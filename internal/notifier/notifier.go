// Package notifier fans out change pings to SSE listeners.
package notifier

import (
	"sync"
	"sync/atomic"
)

// Notifier broadcasts change pings to every subscriber. A ping carries no
// payload; listeners re-read whatever state they render. Each broadcast bumps
// a version counter so listeners can tell whether they missed anything.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan struct{}]struct{}
	version   atomic.Uint64
}

// New creates a new Notifier instance.
func New() *Notifier {
	return &Notifier{
		listeners: make(map[chan struct{}]struct{}),
	}
}

// Subscribe returns a channel that receives pings and a function that
// unsubscribes and closes the channel. The cancel function is idempotent.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast sends a ping to all listeners.
// A listener with a pending ping is skipped; it will still re-read once.
func (n *Notifier) Broadcast() {
	n.version.Add(1)

	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Version returns the number of broadcasts so far.
func (n *Notifier) Version() uint64 {
	return n.version.Load()
}

// Subscribers returns the current number of listeners.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

package services

import (
	"context"
	"sync"
)

// ActiveStreams tracks the cancellation handle of each connection's
// in-flight turn. One handle per connection id, last writer wins; a second
// Register on the same id is the caller's protocol violation, not ours to
// police.
type ActiveStreams struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewActiveStreams() *ActiveStreams {
	return &ActiveStreams{cancels: make(map[string]context.CancelFunc)}
}

func (a *ActiveStreams) Register(connID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels[connID] = cancel
}

func (a *ActiveStreams) Unregister(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cancels, connID)
}

// Abort cancels the connection's in-flight turn, if any, and removes the
// handle. Unknown ids are a no-op.
func (a *ActiveStreams) Abort(connID string) bool {
	a.mu.Lock()
	cancel, ok := a.cancels[connID]
	delete(a.cancels, connID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *ActiveStreams) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancels)
}

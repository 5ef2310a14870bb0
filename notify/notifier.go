// Package notify implements the per-collection wakeup hub for blocking
// change stream cursors. The hub carries no event payloads; it only
// broadcasts "new events exist" to registered waiters, which then re-read
// the oplog from their own resume position.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WaitResult is the outcome of a single Wait call.
type WaitResult int

const (
	// Woken means a notification for the token's collection arrived.
	Woken WaitResult = iota
	// TimedOut means the deadline passed with no notification.
	TimedOut
	// Interrupted means the caller's context was cancelled mid-wait.
	Interrupted
)

func (r WaitResult) String() string {
	switch r {
	case Woken:
		return "woken"
	case TimedOut:
		return "timed_out"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// WaitToken is one registration with the hub for one collection.
// A token is created per getMore invocation and must be closed when that
// invocation returns. The signal channel is a one-slot latch: a
// notification that arrives between Register returning and Wait being
// called is retained and observed by the next Wait, so a notify that
// happens-after Register can never be lost.
type WaitToken struct {
	id         uint64
	collection string
	ch         chan struct{}
	hub        *Hub
	closed     atomic.Bool
}

// Wait blocks until the token's collection is notified, the deadline
// passes, or ctx is cancelled. The deadline is an absolute point in time;
// callers re-waiting after a filtered wakeup pass the same deadline so
// repeated cycles cannot extend the total wait.
func (t *WaitToken) Wait(ctx context.Context, deadline time.Time) WaitResult {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		// Deadline already passed; still drain a pending latch so a
		// notification that raced the deadline reports as woken.
		select {
		case <-t.ch:
			return Woken
		default:
			return TimedOut
		}
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-t.ch:
		return Woken
	case <-ctx.Done():
		return Interrupted
	case <-timer.C:
		return TimedOut
	}
}

// Close deregisters the token from the hub. Idempotent.
func (t *WaitToken) Close() {
	if t.closed.CompareAndSwap(false, true) {
		t.hub.deregister(t.collection, t.id)
	}
}

// Hub is the process-wide waiter registry, constructed at startup and
// handed to the oplog (notify side) and the cursor manager (wait side).
type Hub struct {
	mu      sync.RWMutex
	waiters map[string]map[uint64]*WaitToken
	nextID  atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		waiters: make(map[string]map[uint64]*WaitToken),
	}
}

// Register begins listening for notifications on a collection. It must be
// called before checking "is there anything to read": a caller that reads
// first and registers second can miss a concurrent notification.
func (h *Hub) Register(collection string) *WaitToken {
	token := &WaitToken{
		id:         h.nextID.Add(1),
		collection: collection,
		ch:         make(chan struct{}, 1),
		hub:        h,
	}

	h.mu.Lock()
	set, ok := h.waiters[collection]
	if !ok {
		set = make(map[uint64]*WaitToken)
		h.waiters[collection] = set
	}
	set[token.id] = token
	h.mu.Unlock()

	return token
}

// Notify wakes all waiters currently registered for the collection.
// It is a broadcast: every registered token gets its latch set. Tokens
// for other collections are never touched. Safe to call with no waiters.
func (h *Hub) Notify(collection string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, token := range h.waiters[collection] {
		// Non-blocking send: a full latch already guarantees the next
		// Wait observes a wakeup, so a second set is redundant.
		select {
		case token.ch <- struct{}{}:
		default:
		}
	}
}

// WaiterCount returns the number of currently registered tokens.
func (h *Hub) WaiterCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, set := range h.waiters {
		count += len(set)
	}
	return count
}

func (h *Hub) deregister(collection string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.waiters[collection]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.waiters, collection)
	}
}

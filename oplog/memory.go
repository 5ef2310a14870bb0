package oplog

import (
	"sync"
	"sync/atomic"

	"github.com/kiliton/mongo/hlc"
	"github.com/kiliton/mongo/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// collectionLog holds the retained tail of one collection's event stream.
// firstSeq is the sequence of events[0]; entries below it were trimmed by
// retention and are no longer readable.
type collectionLog struct {
	mu       sync.RWMutex
	events   []Event
	firstSeq uint64
	nextSeq  uint64
}

// MemoryLog is an in-process Log for single-node deployments and tests.
// Collections are materialized lazily on first append.
type MemoryLog struct {
	collections *xsync.MapOf[string, *collectionLog]
	clock       *hlc.Clock
	notifier    Notifier
	retention   int
	closed      atomic.Bool
}

// NewMemoryLog creates an in-memory log. retention bounds the number of
// events kept per collection; the oldest are trimmed as new ones arrive.
func NewMemoryLog(clock *hlc.Clock, retention int) *MemoryLog {
	return &MemoryLog{
		collections: xsync.NewMapOf[string, *collectionLog](),
		clock:       clock,
		retention:   retention,
	}
}

// SetNotifier wires the wake hub. Nil-safe: with no notifier appends still
// publish, waiters just rely on their own deadline.
func (ml *MemoryLog) SetNotifier(n Notifier) {
	ml.notifier = n
}

// Append records a change event and wakes waiters on the collection.
func (ml *MemoryLog) Append(collection string, op OpType, docKey string, doc map[string]interface{}) (Event, error) {
	if ml.closed.Load() {
		return Event{}, ErrClosed
	}

	cl, _ := ml.collections.LoadOrCompute(collection, func() *collectionLog {
		return &collectionLog{firstSeq: 1, nextSeq: 1}
	})

	cl.mu.Lock()
	event := Event{
		Seq:         cl.nextSeq,
		Collection:  collection,
		Op:          op,
		DocKey:      docKey,
		Doc:         doc,
		ClusterTime: ml.clock.Now(),
	}
	cl.nextSeq++
	cl.events = append(cl.events, event)

	if ml.retention > 0 && len(cl.events) > ml.retention {
		drop := len(cl.events) - ml.retention
		cl.events = cl.events[drop:]
		cl.firstSeq += uint64(drop)
	}
	cl.mu.Unlock()

	telemetry.OplogAppendsTotal.With(string(op)).Inc()

	// Notify strictly after the event is visible to ReadFrom.
	if ml.notifier != nil {
		ml.notifier.Notify(collection)
		telemetry.NotifyTotal.Inc()
	}

	return event, nil
}

// ReadFrom returns events with sequence > afterSeq in ascending order.
func (ml *MemoryLog) ReadFrom(collection string, afterSeq uint64, limit int) ([]Event, error) {
	if ml.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	cl, ok := ml.collections.Load(collection)
	if !ok {
		return nil, nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	// First readable event has sequence cl.firstSeq; events below a
	// retention trim are simply gone.
	start := 0
	if afterSeq+1 > cl.firstSeq {
		start = int(afterSeq + 1 - cl.firstSeq)
	}
	if start >= len(cl.events) {
		return nil, nil
	}

	end := start + limit
	if end > len(cl.events) {
		end = len(cl.events)
	}

	events := make([]Event, end-start)
	copy(events, cl.events[start:end])
	return events, nil
}

// LastSeq returns the newest assigned sequence for a collection
// (0 if nothing was ever appended).
func (ml *MemoryLog) LastSeq(collection string) (uint64, error) {
	if ml.closed.Load() {
		return 0, ErrClosed
	}

	cl, ok := ml.collections.Load(collection)
	if !ok {
		return 0, nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.nextSeq - 1, nil
}

// Close marks the log closed. Subsequent operations fail with ErrClosed.
func (ml *MemoryLog) Close() error {
	if !ml.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}

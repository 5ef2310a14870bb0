// Package oplog implements the append-only, per-collection ordered change
// event log that blocking cursors read from. Appends publish the event to
// readers first and fire the wake notifier second, so a waiter woken by a
// notification is guaranteed to observe the triggering event on re-read.
package oplog

import (
	"errors"

	"github.com/kiliton/mongo/hlc"
)

// OpType identifies the kind of change an event records.
type OpType string

const (
	OpInsert     OpType = "insert"
	OpUpdate     OpType = "update"
	OpReplace    OpType = "replace"
	OpDelete     OpType = "delete"
	OpDrop       OpType = "drop"
	OpInvalidate OpType = "invalidate"
)

// Valid reports whether the operation type is one this log records.
func (op OpType) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpReplace, OpDelete, OpDrop, OpInvalidate:
		return true
	}
	return false
}

// Invalidates reports whether an event of this type terminates change
// streams on its collection.
func (op OpType) Invalidates() bool {
	return op == OpInvalidate
}

// Event is one immutable change record. Created once by the write path,
// never mutated afterwards.
type Event struct {
	Seq         uint64                 `msgpack:"seq" json:"seq"`
	Collection  string                 `msgpack:"coll" json:"collection"`
	Op          OpType                 `msgpack:"op" json:"operationType"`
	DocKey      string                 `msgpack:"key" json:"documentKey"`
	Doc         map[string]interface{} `msgpack:"doc" json:"fullDocument,omitempty"`
	ClusterTime hlc.Timestamp          `msgpack:"ts" json:"clusterTime"`
}

// Notifier is the wake side of the notification hub. Append implementations
// call Notify after the event is visible to readers, never before.
type Notifier interface {
	Notify(collection string)
}

// Log is the change event log contract.
//
// Append assigns the next per-collection sequence number and makes the
// event visible atomically: a reader that observes sequence N can also
// observe every lower sequence already appended.
//
// ReadFrom is a non-blocking snapshot read: it returns all events for the
// collection with sequence > afterSeq in ascending order, up to limit, and
// never waits.
type Log interface {
	Append(collection string, op OpType, docKey string, doc map[string]interface{}) (Event, error)
	ReadFrom(collection string, afterSeq uint64, limit int) ([]Event, error)
	LastSeq(collection string) (uint64, error)
	Close() error
}

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("oplog is closed")

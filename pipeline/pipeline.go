// Package pipeline evaluates change stream pipelines against raw oplog
// events. The evaluator is a pure function of its inputs: the cursor loop
// may call it repeatedly with different batches and relies on it carrying
// no state between calls.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/kiliton/mongo/hlc"
	"github.com/kiliton/mongo/oplog"
)

var errUnsupportedStage = errors.New("unsupported pipeline stage")

// ResumeToken identifies a change record's position in its collection's
// stream. Tokens order by sequence within one collection.
type ResumeToken struct {
	Seq        uint64 `json:"seq" msgpack:"seq"`
	Collection string `json:"coll" msgpack:"coll"`
}

// Namespace names the collection a change record belongs to.
type Namespace struct {
	Collection string `json:"coll" msgpack:"coll"`
}

// ChangeDoc is the change record shape visible to clients, built from one
// raw oplog event.
type ChangeDoc struct {
	ID            ResumeToken            `json:"_id" msgpack:"_id"`
	OperationType oplog.OpType           `json:"operationType" msgpack:"operationType"`
	ClusterTime   hlc.Timestamp          `json:"clusterTime" msgpack:"clusterTime"`
	Ns            Namespace              `json:"ns" msgpack:"ns"`
	DocumentKey   map[string]interface{} `json:"documentKey,omitempty" msgpack:"documentKey,omitempty"`
	FullDocument  map[string]interface{} `json:"fullDocument,omitempty" msgpack:"fullDocument,omitempty"`
}

// FromEvent builds the client-visible change record for a raw event.
func FromEvent(event oplog.Event) ChangeDoc {
	doc := ChangeDoc{
		ID:            ResumeToken{Seq: event.Seq, Collection: event.Collection},
		OperationType: event.Op,
		ClusterTime:   event.ClusterTime,
		Ns:            Namespace{Collection: event.Collection},
		FullDocument:  event.Doc,
	}
	if event.DocKey != "" {
		doc.DocumentKey = map[string]interface{}{"_id": event.DocKey}
	}
	return doc
}

// Outcome is the result of applying a pipeline to a batch of raw events.
// Invalidate reports that the batch contained a stream-terminating event;
// the owning cursor must close after returning whatever Docs carries.
type Outcome struct {
	Docs       []ChangeDoc
	Invalidate bool
}

// Evaluator filters and shapes raw events into visible change records.
// Apply may legitimately return an empty Outcome for a non-empty input:
// that is the "something happened but nothing relevant" case the blocking
// cursor loop is built around.
type Evaluator interface {
	Apply(events []oplog.Event) (Outcome, error)
}

// EvaluationError wraps a pipeline failure with the stage that produced it.
type EvaluationError struct {
	Stage string
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

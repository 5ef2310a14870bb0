// Package cursor implements blocking change stream cursors: stateful
// iterators over one collection's event stream that can park inside a
// getMore until a relevant event arrives or an absolute deadline passes.
package cursor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kiliton/mongo/notify"
	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/pipeline"
	"github.com/kiliton/mongo/telemetry"
)

// Outcome classifies how a getMore finished.
type Outcome int

const (
	// Returned means at least one visible change record was produced.
	Returned Outcome = iota
	// ReturnedEmpty means the deadline passed with nothing visible.
	ReturnedEmpty
	// Invalidated means the stream hit a terminating event; the cursor is
	// exhausted and must not be used again.
	Invalidated
	// Interrupted means the caller's context was cancelled mid-wait.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Returned:
		return "returned"
	case ReturnedEmpty:
		return "empty"
	case Invalidated:
		return "invalidated"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Result is what one getMore hands back to the transport layer.
type Result struct {
	Docs    []pipeline.ChangeDoc
	Outcome Outcome
}

// Cursor is one open change stream. The resume position only moves while
// the in-use flag is held, so it needs no lock of its own.
type Cursor struct {
	id         uint64
	collection string
	eval       pipeline.Evaluator
	log        oplog.Log
	hub        *notify.Hub

	// resumePos is the sequence of the last raw event consumed, visible or
	// not. Filtered events advance it too, so they are never re-evaluated.
	resumePos uint64

	inUse     atomic.Bool
	exhausted atomic.Bool
}

// ID returns the cursor's wire identifier.
func (c *Cursor) ID() uint64 {
	return c.id
}

// Collection returns the collection this cursor streams.
func (c *Cursor) Collection() string {
	return c.collection
}

// await runs the blocking poll loop for one getMore. deadline is absolute:
// filtered wakeups re-enter the wait with the same deadline, so no sequence
// of irrelevant events can stretch the call past it. The caller must hold
// the in-use flag.
func (c *Cursor) await(ctx context.Context, deadline time.Time, batchSize int) (Result, error) {
	var token *notify.WaitToken
	defer func() {
		if token != nil {
			token.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return Result{Outcome: Interrupted}, nil
		}

		events, err := c.log.ReadFrom(c.collection, c.resumePos, batchSize)
		if err != nil {
			return Result{}, err
		}

		if len(events) > 0 {
			out, err := c.eval.Apply(events)
			if err != nil {
				return Result{}, err
			}
			// Consume the raw batch whether or not anything was visible.
			c.resumePos = events[len(events)-1].Seq

			if out.Invalidate {
				c.exhausted.Store(true)
				return Result{Docs: out.Docs, Outcome: Invalidated}, nil
			}
			if len(out.Docs) > 0 {
				return Result{Docs: out.Docs, Outcome: Returned}, nil
			}

			// Everything was filtered out. The deadline is checked before
			// re-reading: a standing backlog of irrelevant events must not
			// hold the call past its ceiling.
			telemetry.FilteredWakeupsTotal.Inc()
			if !time.Now().Before(deadline) {
				return Result{Outcome: ReturnedEmpty}, nil
			}
			continue
		}

		if !time.Now().Before(deadline) {
			return Result{Outcome: ReturnedEmpty}, nil
		}

		if token == nil {
			token = c.hub.Register(c.collection)
			// Re-read after registering: an event appended between the
			// read above and Register would otherwise be waited on.
			continue
		}

		switch token.Wait(ctx, deadline) {
		case notify.Woken:
			continue
		case notify.Interrupted:
			return Result{Outcome: Interrupted}, nil
		default:
			return Result{Outcome: ReturnedEmpty}, nil
		}
	}
}

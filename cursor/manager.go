package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/kiliton/mongo/id"
	"github.com/kiliton/mongo/notify"
	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/pipeline"
	"github.com/kiliton/mongo/telemetry"
)

// Manager owns the cursor registry and runs getMore calls against it.
type Manager struct {
	log      oplog.Log
	hub      *notify.Hub
	compiler *pipeline.Compiler
	gen      id.Generator
	cursors  *xsync.MapOf[uint64, *Cursor]
}

// NewManager creates a cursor manager over the given log and wake hub.
func NewManager(l oplog.Log, hub *notify.Hub, compiler *pipeline.Compiler, gen id.Generator) *Manager {
	return &Manager{
		log:      l,
		hub:      hub,
		compiler: compiler,
		gen:      gen,
		cursors:  xsync.NewMapOf[uint64, *Cursor](),
	}
}

// Open compiles the pipeline and registers a new cursor positioned at the
// collection's current head. Events appended before Open returns are never
// replayed; everything after is.
func (m *Manager) Open(collection string, stages []pipeline.Stage) (*Cursor, error) {
	eval, err := m.compiler.Compile(stages)
	if err != nil {
		return nil, err
	}

	head, err := m.log.LastSeq(collection)
	if err != nil {
		return nil, fmt.Errorf("unable to read collection head: %w", err)
	}

	c := &Cursor{
		id:         m.gen.NextID(),
		collection: collection,
		eval:       eval,
		log:        m.log,
		hub:        m.hub,
		resumePos:  head,
	}
	m.cursors.Store(c.id, c)
	telemetry.CursorsOpenedTotal.Inc()

	log.Debug().
		Uint64("cursor_id", c.id).
		Str("collection", collection).
		Uint64("resume_pos", head).
		Msg("opened change stream cursor")
	return c, nil
}

// GetMore runs one blocking poll on a cursor. maxTime bounds the wall-clock
// wait; zero or negative means a single non-blocking poll. The cursor is
// held in-use for the duration, and a second concurrent call fails with
// InUseError instead of queueing.
func (m *Manager) GetMore(ctx context.Context, cursorID uint64, maxTime time.Duration, batchSize int) (Result, error) {
	c, ok := m.cursors.Load(cursorID)
	if !ok {
		return Result{}, ErrNotFound
	}
	if c.exhausted.Load() {
		return Result{}, ErrNotFound
	}
	if !c.inUse.CompareAndSwap(false, true) {
		return Result{}, &InUseError{ID: cursorID}
	}
	defer c.inUse.Store(false)

	start := time.Now()
	deadline := start
	if maxTime > 0 {
		deadline = start.Add(maxTime)
	}

	res, err := c.await(ctx, deadline, batchSize)
	if err != nil {
		telemetry.GetMoreTotal.With("error").Inc()
		return Result{}, err
	}

	telemetry.GetMoreTotal.With(res.Outcome.String()).Inc()
	telemetry.GetMoreWaitSeconds.Observe(time.Since(start).Seconds())
	telemetry.GetMoreBatchSize.Observe(float64(len(res.Docs)))

	if res.Outcome == Invalidated {
		m.cursors.Delete(cursorID)
		telemetry.CursorsKilledTotal.With("invalidated").Inc()
		log.Debug().
			Uint64("cursor_id", cursorID).
			Str("collection", c.collection).
			Msg("cursor invalidated")
	}
	return res, nil
}

// Kill removes a cursor from the registry. A getMore already blocked on the
// cursor keeps running to its own deadline; later calls see ErrNotFound.
func (m *Manager) Kill(cursorID uint64) error {
	c, ok := m.cursors.LoadAndDelete(cursorID)
	if !ok {
		return ErrNotFound
	}
	telemetry.CursorsKilledTotal.With("killed").Inc()
	log.Debug().
		Uint64("cursor_id", cursorID).
		Str("collection", c.collection).
		Msg("cursor killed")
	return nil
}

// OpenCursorCount reports the registry size for the metrics collector.
func (m *Manager) OpenCursorCount() int {
	return m.cursors.Size()
}

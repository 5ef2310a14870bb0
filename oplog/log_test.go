package oplog

import (
	"strings"
	"sync"
	"testing"

	"github.com/kiliton/mongo/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier captures Notify calls for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) Notify(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, collection)
}

func (r *recordingNotifier) collections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// logFactory builds a fresh Log plus its notifier wiring for each backend.
type logFactory func(t *testing.T, n Notifier) Log

func memoryFactory(t *testing.T, n Notifier) Log {
	ml := NewMemoryLog(hlc.NewClock(1), 1000)
	ml.SetNotifier(n)
	return ml
}

func pebbleFactory(t *testing.T, n Notifier) Log {
	pl, err := NewPebbleLog(t.TempDir(), hlc.NewClock(1), PebbleOptions{
		CompressionLevel:     3,
		CompressionThreshold: 64,
	})
	require.NoError(t, err)
	pl.SetNotifier(n)
	t.Cleanup(func() { pl.Close() })
	return pl
}

func backends() map[string]logFactory {
	return map[string]logFactory{
		"memory": memoryFactory,
		"pebble": pebbleFactory,
	}
}

func TestLog_AppendAssignsMonotonicSequences(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			for i := 1; i <= 5; i++ {
				event, err := l.Append("changes", OpInsert, "k", map[string]interface{}{"n": i})
				require.NoError(t, err)
				assert.Equal(t, uint64(i), event.Seq)
				assert.Equal(t, "changes", event.Collection)
			}

			last, err := l.LastSeq("changes")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), last)
		})
	}
}

func TestLog_SequencesArePerCollection(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			a1, err := l.Append("a", OpInsert, "k", nil)
			require.NoError(t, err)
			b1, err := l.Append("b", OpInsert, "k", nil)
			require.NoError(t, err)
			a2, err := l.Append("a", OpUpdate, "k", nil)
			require.NoError(t, err)

			assert.Equal(t, uint64(1), a1.Seq)
			assert.Equal(t, uint64(1), b1.Seq)
			assert.Equal(t, uint64(2), a2.Seq)
		})
	}
}

func TestLog_ReadFromIsSnapshotAfterSeq(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			for i := 0; i < 10; i++ {
				_, err := l.Append("changes", OpInsert, "k", map[string]interface{}{"i": i})
				require.NoError(t, err)
			}

			events, err := l.ReadFrom("changes", 4, 100)
			require.NoError(t, err)
			require.Len(t, events, 6)
			for i, event := range events {
				assert.Equal(t, uint64(5+i), event.Seq)
			}

			// Reads never wait: an empty tail returns immediately.
			events, err = l.ReadFrom("changes", 10, 100)
			require.NoError(t, err)
			assert.Empty(t, events)

			// Unknown collections read as empty.
			events, err = l.ReadFrom("nothing", 0, 100)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestLog_ReadFromHonorsLimit(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			for i := 0; i < 10; i++ {
				_, err := l.Append("changes", OpInsert, "k", nil)
				require.NoError(t, err)
			}

			events, err := l.ReadFrom("changes", 0, 3)
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, uint64(1), events[0].Seq)
			assert.Equal(t, uint64(3), events[2].Seq)
		})
	}
}

func TestLog_AppendNotifiesAfterVisibility(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			l := factory(t, notifier)

			_, err := l.Append("changes", OpInsert, "k", nil)
			require.NoError(t, err)
			_, err = l.Append("other", OpDelete, "k", nil)
			require.NoError(t, err)

			assert.Equal(t, []string{"changes", "other"}, notifier.collections())

			// The event a notify announced must already be readable.
			events, err := l.ReadFrom("changes", 0, 10)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestLog_DocumentRoundTrip(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			doc := map[string]interface{}{
				"_id":    "wake up",
				"count":  int64(7),
				"nested": map[string]interface{}{"a": "b"},
			}
			_, err := l.Append("changes", OpInsert, "wake up", doc)
			require.NoError(t, err)

			events, err := l.ReadFrom("changes", 0, 1)
			require.NoError(t, err)
			require.Len(t, events, 1)

			got := events[0]
			assert.Equal(t, OpInsert, got.Op)
			assert.Equal(t, "wake up", got.DocKey)
			assert.Equal(t, "wake up", got.Doc["_id"])
			assert.Equal(t, int64(7), got.Doc["count"])
		})
	}
}

func TestLog_ClosedOperationsFail(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)
			require.NoError(t, l.Close())

			_, err := l.Append("changes", OpInsert, "k", nil)
			assert.ErrorIs(t, err, ErrClosed)

			_, err = l.ReadFrom("changes", 0, 1)
			assert.ErrorIs(t, err, ErrClosed)

			assert.ErrorIs(t, l.Close(), ErrClosed)
		})
	}
}

func TestLog_CollectionNamesWithSeparators(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, nil)

			// "a" and "a/b" must stay fully isolated even though one name
			// is a prefix of the other around the key separator.
			for i := 0; i < 2; i++ {
				_, err := l.Append("a", OpInsert, "k", nil)
				require.NoError(t, err)
			}
			for i := 0; i < 3; i++ {
				_, err := l.Append("a/b", OpInsert, "k", nil)
				require.NoError(t, err)
			}

			events, err := l.ReadFrom("a", 0, 100)
			require.NoError(t, err)
			require.Len(t, events, 2)
			for _, event := range events {
				assert.Equal(t, "a", event.Collection)
			}

			events, err = l.ReadFrom("a/b", 0, 100)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for _, event := range events {
				assert.Equal(t, "a/b", event.Collection)
			}

			last, err := l.LastSeq("a")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), last)
			last, err = l.LastSeq("a/b")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)
		})
	}
}

func TestPebbleLog_ReopenRestoresEscapedCollectionNames(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewClock(1)

	pl, err := NewPebbleLog(dir, clock, PebbleOptions{})
	require.NoError(t, err)
	_, err = pl.Append("a/b", OpInsert, "k", nil)
	require.NoError(t, err)
	require.NoError(t, pl.Close())

	reopened, err := NewPebbleLog(dir, clock, PebbleOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastSeq("a/b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestMemoryLog_RetentionTrimsOldest(t *testing.T) {
	ml := NewMemoryLog(hlc.NewClock(1), 5)

	for i := 0; i < 10; i++ {
		_, err := ml.Append("changes", OpInsert, "k", nil)
		require.NoError(t, err)
	}

	// Only the newest 5 events survive; a read from the start gets the
	// surviving suffix.
	events, err := ml.ReadFrom("changes", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, uint64(6), events[0].Seq)
	assert.Equal(t, uint64(10), events[4].Seq)

	last, err := ml.LastSeq("changes")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
}

func TestPebbleLog_ReopenRestoresSequences(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewClock(1)

	pl, err := NewPebbleLog(dir, clock, PebbleOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pl.Append("changes", OpInsert, "k", nil)
		require.NoError(t, err)
	}
	require.NoError(t, pl.Close())

	reopened, err := NewPebbleLog(dir, clock, PebbleOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastSeq("changes")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	// New appends continue the sequence instead of restarting it.
	event, err := reopened.Append("changes", OpInsert, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), event.Seq)
}

func TestPebbleLog_CompressesLargePayloads(t *testing.T) {
	pl, err := NewPebbleLog(t.TempDir(), hlc.NewClock(1), PebbleOptions{
		CompressionLevel:     3,
		CompressionThreshold: 32,
	})
	require.NoError(t, err)
	defer pl.Close()

	doc := map[string]interface{}{
		"_id":  "big",
		"blob": strings.Repeat("abcdefgh", 512),
	}
	_, err = pl.Append("changes", OpInsert, "big", doc)
	require.NoError(t, err)

	events, err := pl.ReadFrom("changes", 0, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, doc["blob"], events[0].Doc["blob"])
}

func TestOpType_Valid(t *testing.T) {
	for _, op := range []OpType{OpInsert, OpUpdate, OpReplace, OpDelete, OpDrop, OpInvalidate} {
		assert.True(t, op.Valid(), "expected %s to be valid", op)
	}
	assert.False(t, OpType("rename").Valid())
}

func TestOpType_Invalidates(t *testing.T) {
	assert.True(t, OpInvalidate.Invalidates())
	assert.False(t, OpDrop.Invalidates())
	assert.False(t, OpInsert.Invalidates())
}

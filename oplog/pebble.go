package oplog

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/kiliton/mongo/encoding"
	"github.com/kiliton/mongo/hlc"
	"github.com/kiliton/mongo/telemetry"
	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEvents = "/oplog/"    // /oplog/{collection}/{16-digit-zero-padded-seq}
	prefixSeq    = "/oplogseq/" // /oplogseq/{collection} -> uint64 (last assigned sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences (seq & cleanupIntervalMask == 0)
)

// Stored value encodings (first byte of every event value)
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// collMeta serializes appends for one collection and tracks its sequence
// counter. Holding the mutex across the batch commit keeps sequence order
// and visibility order identical.
type collMeta struct {
	mu      sync.Mutex
	lastSeq atomic.Uint64
}

// PebbleLog is the durable Log implementation.
type PebbleLog struct {
	db   *pebble.DB
	path string

	collections *xsync.MapOf[string, *collMeta]
	clock       *hlc.Clock
	notifier    Notifier

	// Payload compression (nil when disabled)
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
	threshold int

	// Retention below head-lowWater (0 = keep everything)
	lowWater       uint64
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// PebbleOptions configures NewPebbleLog.
type PebbleOptions struct {
	CompressionLevel     int    // zstd level for stored payloads (0 = disabled)
	CompressionThreshold int    // only compress values larger than this many bytes
	RetentionLowWater    uint64 // delete entries this many sequences behind the head (0 = keep all)
}

// NewPebbleLog creates or opens a Pebble-backed change event log.
func NewPebbleLog(dataDir string, clock *hlc.Clock, opts PebbleOptions) (*PebbleLog, error) {
	logPath := filepath.Join(dataDir, "oplog")

	dbOpts := &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(logPath, dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open oplog at %s: %w", logPath, err)
	}

	pl := &PebbleLog{
		db:          db,
		path:        logPath,
		collections: xsync.NewMapOf[string, *collMeta](),
		clock:       clock,
		threshold:   opts.CompressionThreshold,
		lowWater:    opts.RetentionLowWater,
	}

	if opts.CompressionLevel > 0 {
		level := zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		pl.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// Decoder is always available: previously stored values may be
	// compressed even if compression is disabled now.
	pl.zdec, err = zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if err := pl.loadSequences(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence counters: %w", err)
	}

	return pl, nil
}

// loadSequences restores per-collection sequence counters from Pebble.
func (pl *PebbleLog) loadSequences() error {
	prefix := []byte(prefixSeq)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		collection := unescapeCollection(string(iter.Key()[len(prefixSeq):]))
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted sequence counter for collection %s: invalid length %d", collection, len(val))
		}

		meta := &collMeta{}
		meta.lastSeq.Store(binary.LittleEndian.Uint64(val))
		pl.collections.Store(collection, meta)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("collections", count).Msg("Loaded oplog sequence counters")
	}

	return nil
}

// SetNotifier wires the wake hub. Nil-safe.
func (pl *PebbleLog) SetNotifier(n Notifier) {
	pl.notifier = n
}

// Append records a change event durably and wakes waiters on the collection.
func (pl *PebbleLog) Append(collection string, op OpType, docKey string, doc map[string]interface{}) (Event, error) {
	if pl.closed.Load() {
		return Event{}, ErrClosed
	}

	meta, _ := pl.collections.LoadOrCompute(collection, func() *collMeta {
		return &collMeta{}
	})

	meta.mu.Lock()
	defer meta.mu.Unlock()

	seq := meta.lastSeq.Load() + 1
	event := Event{
		Seq:         seq,
		Collection:  collection,
		Op:          op,
		DocKey:      docKey,
		Doc:         doc,
		ClusterTime: pl.clock.Now(),
	}

	body, err := encoding.Marshal(&event)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	val := pl.encodeValue(body)

	batch := pl.db.NewBatch()
	defer batch.Close()

	key := formatEventKey(collection, seq)
	if err := batch.Set([]byte(key), val, pebble.Sync); err != nil {
		return Event{}, fmt.Errorf("failed to write event: %w", err)
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set(seqKey(collection), seqBuf, pebble.Sync); err != nil {
		return Event{}, fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return Event{}, fmt.Errorf("failed to commit event: %w", err)
	}

	// Only advance the in-memory counter AFTER a successful commit.
	meta.lastSeq.Store(seq)

	telemetry.OplogAppendsTotal.With(string(op)).Inc()
	telemetry.OplogHeadSequence.Set(float64(seq))

	if pl.lowWater > 0 && seq&cleanupIntervalMask == 0 {
		if pl.cleanupRunning.CompareAndSwap(false, true) {
			pl.cleanupWg.Add(1)
			go pl.cleanupAsync()
		}
	}

	// Notify strictly after the commit made the event readable.
	if pl.notifier != nil {
		pl.notifier.Notify(collection)
		telemetry.NotifyTotal.Inc()
	}

	return event, nil
}

// ReadFrom reads events with sequence > afterSeq, up to limit.
// A single undecodable entry is logged and skipped; the stream continues
// past it rather than aborting the read.
func (pl *PebbleLog) ReadFrom(collection string, afterSeq uint64, limit int) ([]Event, error) {
	if pl.closed.Load() {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := time.Now()
	defer func() {
		telemetry.OplogReadSeconds.Observe(time.Since(start).Seconds())
	}()

	startKey := formatEventKey(collection, afterSeq+1)

	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(startKey),
		UpperBound: prefixUpperBound(eventPrefix(collection)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.SeekGE([]byte(startKey)); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		body, err := pl.decodeValue(val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decode oplog value")
			continue
		}

		var event Event
		if err := encoding.Unmarshal(body, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal change event")
			continue
		}

		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// LastSeq returns the newest assigned sequence for a collection
// (0 if nothing was ever appended).
func (pl *PebbleLog) LastSeq(collection string) (uint64, error) {
	if pl.closed.Load() {
		return 0, ErrClosed
	}

	if meta, ok := pl.collections.Load(collection); ok {
		return meta.lastSeq.Load(), nil
	}
	return 0, nil
}

// encodeValue prepends the encoding flag and compresses large payloads.
func (pl *PebbleLog) encodeValue(body []byte) []byte {
	if pl.zenc != nil && len(body) > pl.threshold {
		compressed := pl.zenc.EncodeAll(body, make([]byte, 0, len(body)/2+1))
		telemetry.OplogCompressedTotal.With("zstd").Inc()
		return append([]byte{encodingZstd}, compressed...)
	}
	telemetry.OplogCompressedTotal.With("raw").Inc()
	return append([]byte{encodingRaw}, body...)
}

// decodeValue strips the encoding flag and decompresses when needed.
func (pl *PebbleLog) decodeValue(val []byte) ([]byte, error) {
	if len(val) < 1 {
		return nil, fmt.Errorf("empty oplog value")
	}
	switch val[0] {
	case encodingRaw:
		return val[1:], nil
	case encodingZstd:
		return pl.zdec.DecodeAll(val[1:], nil)
	default:
		return nil, fmt.Errorf("unknown oplog value encoding: %d", val[0])
	}
}

// cleanup deletes entries more than lowWater sequences behind each
// collection's head. Retention is best effort; cursors resuming below the
// horizon simply see the surviving suffix.
func (pl *PebbleLog) cleanup() {
	if pl.closed.Load() {
		return
	}

	pl.collections.Range(func(collection string, meta *collMeta) bool {
		head := meta.lastSeq.Load()
		if head <= pl.lowWater {
			return true
		}
		horizon := head - pl.lowWater

		startKey := eventPrefix(collection)
		endKey := []byte(formatEventKey(collection, horizon))

		if err := pl.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
			log.Warn().Err(err).Str("collection", collection).Uint64("horizon", horizon).
				Msg("Failed to trim oplog entries")
			return true
		}

		log.Debug().Str("collection", collection).Uint64("horizon", horizon).
			Msg("Trimmed oplog entries")
		return true
	})
}

// cleanupAsync wraps cleanup with WaitGroup tracking for async execution
func (pl *PebbleLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup goroutines
func (pl *PebbleLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	pl.cleanupWg.Wait()

	if pl.zenc != nil {
		pl.zenc.Close()
	}
	pl.zdec.Close()

	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

// Collection names are escaped before they are embedded in keys: a literal
// '/' in a name must not act as the key separator, or one collection's scan
// range would swallow another's events.
var (
	collEscaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	collUnescaper = strings.NewReplacer("%25", "%", "%2F", "/")
)

func escapeCollection(name string) string {
	return collEscaper.Replace(name)
}

func unescapeCollection(name string) string {
	return collUnescaper.Replace(name)
}

// formatEventKey formats a collection/sequence pair as a Pebble key with a
// 16-digit zero-padded hex sequence so byte order matches sequence order.
func formatEventKey(collection string, seq uint64) string {
	return fmt.Sprintf("%s%s/%016x", prefixEvents, escapeCollection(collection), seq)
}

// eventPrefix is the scan prefix covering exactly one collection's events.
func eventPrefix(collection string) []byte {
	return []byte(prefixEvents + escapeCollection(collection) + "/")
}

// seqKey is the sequence counter key for one collection.
func seqKey(collection string) []byte {
	return []byte(prefixSeq + escapeCollection(collection))
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}

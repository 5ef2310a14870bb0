package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// AwaitBuckets for getMore wait times (sub-millisecond wakes up to long polls)
	AwaitBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// ReadBuckets for non-blocking oplog reads
	ReadBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}

	// BatchSizeBuckets for events returned per getMore
	BatchSizeBuckets = []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Change Stream Metrics
var (
	// GetMoreTotal counts getMore calls by outcome (returned, empty, invalidated, interrupted, error)
	GetMoreTotal CounterVec = noopCounterVec{}

	// GetMoreWaitSeconds measures wall-clock time spent inside one getMore call
	GetMoreWaitSeconds Histogram = NoopStat{}

	// GetMoreBatchSize measures visible events returned per getMore
	GetMoreBatchSize Histogram = NoopStat{}

	// OpenCursors tracks currently registered cursors
	OpenCursors Gauge = NoopStat{}

	// CursorsOpenedTotal counts cursors opened since start
	CursorsOpenedTotal Counter = NoopStat{}

	// CursorsKilledTotal counts cursors removed by reason (killed, invalidated)
	CursorsKilledTotal CounterVec = noopCounterVec{}

	// FilteredWakeupsTotal counts wakeups where the pipeline discarded every raw event
	FilteredWakeupsTotal Counter = NoopStat{}
)

// Oplog Metrics
var (
	// OplogAppendsTotal counts appended events by operation type
	OplogAppendsTotal CounterVec = noopCounterVec{}

	// OplogReadSeconds measures oplog snapshot read latency
	OplogReadSeconds Histogram = NoopStat{}

	// OplogHeadSequence tracks the newest sequence number per collection read path
	OplogHeadSequence Gauge = NoopStat{}

	// OplogCompressedTotal counts stored payloads by encoding (raw, zstd)
	OplogCompressedTotal CounterVec = noopCounterVec{}
)

// Notifier Metrics
var (
	// NotifyTotal counts broadcast notifications delivered to waiter sets
	NotifyTotal Counter = NoopStat{}

	// RegisteredWaiters tracks currently registered wait tokens
	RegisteredWaiters Gauge = NoopStat{}
)

// Pipeline Metrics
var (
	// PipelineCompileTotal counts pipeline compilations by cache result (hit, miss, error)
	PipelineCompileTotal CounterVec = noopCounterVec{}

	// PipelineEvalSeconds measures evaluator latency per batch
	PipelineEvalSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Change Stream Metrics
	GetMoreTotal = NewCounterVec(
		"getmore_total",
		"Total getMore calls by outcome",
		[]string{"outcome"},
	)
	GetMoreWaitSeconds = NewHistogramWithBuckets(
		"getmore_wait_seconds",
		"Wall-clock time spent inside one getMore call",
		AwaitBuckets,
	)
	GetMoreBatchSize = NewHistogramWithBuckets(
		"getmore_batch_size",
		"Visible events returned per getMore",
		BatchSizeBuckets,
	)
	OpenCursors = NewGauge(
		"open_cursors",
		"Currently registered cursors",
	)
	CursorsOpenedTotal = NewCounter(
		"cursors_opened_total",
		"Cursors opened since start",
	)
	CursorsKilledTotal = NewCounterVec(
		"cursors_killed_total",
		"Cursors removed by reason",
		[]string{"reason"},
	)
	FilteredWakeupsTotal = NewCounter(
		"filtered_wakeups_total",
		"Wakeups where the pipeline discarded every raw event",
	)

	// Oplog Metrics
	OplogAppendsTotal = NewCounterVec(
		"oplog_appends_total",
		"Appended change events by operation type",
		[]string{"op"},
	)
	OplogReadSeconds = NewHistogramWithBuckets(
		"oplog_read_seconds",
		"Oplog snapshot read latency",
		ReadBuckets,
	)
	OplogHeadSequence = NewGauge(
		"oplog_head_sequence",
		"Newest sequence number observed on the read path",
	)
	OplogCompressedTotal = NewCounterVec(
		"oplog_compressed_total",
		"Stored payloads by encoding",
		[]string{"encoding"},
	)

	// Notifier Metrics
	NotifyTotal = NewCounter(
		"notify_total",
		"Broadcast notifications delivered to waiter sets",
	)
	RegisteredWaiters = NewGauge(
		"registered_waiters",
		"Currently registered wait tokens",
	)

	// Pipeline Metrics
	PipelineCompileTotal = NewCounterVec(
		"pipeline_compile_total",
		"Pipeline compilations by cache result",
		[]string{"result"},
	)
	PipelineEvalSeconds = NewHistogramWithBuckets(
		"pipeline_eval_seconds",
		"Evaluator latency per batch",
		ReadBuckets,
	)
}

package telemetry

import (
	"sync"
	"time"
)

// CursorStatsProvider reports cursor registry stats
type CursorStatsProvider interface {
	OpenCursorCount() int
}

// WaiterStatsProvider reports notifier registration stats
type WaiterStatsProvider interface {
	WaiterCount() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	cursors  CursorStatsProvider
	waiters  WaiterStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cursors CursorStatsProvider, waiters WaiterStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		cursors:  cursors,
		waiters:  waiters,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.cursors != nil {
		OpenCursors.Set(float64(mc.cursors.OpenCursorCount()))
	}
	if mc.waiters != nil {
		RegisteredWaiters.Set(float64(mc.waiters.WaiterCount()))
	}
}

package flux

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of engine counters.
//
// TotalEvents counts accepted emits only; rejected emits (queue full)
// are not part of the conservation balance. Every accepted event ends
// up in exactly one of ProcessedEvents, FailedEvents, or DroppedEvents.
type Metrics struct {
	TotalEvents     int64 `json:"total_events"`
	ProcessedEvents int64 `json:"processed_events"`
	FailedEvents    int64 `json:"failed_events"`
	DroppedEvents   int64 `json:"dropped_events"`

	QueueSize        int     `json:"queue_size"`
	QueueCapacity    int     `json:"queue_capacity"`
	QueueUtilization float64 `json:"queue_utilization"`

	BatchesProcessed      int64         `json:"batches_processed"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`

	InFlight     int64 `json:"in_flight"`
	IsProcessing bool  `json:"is_processing"`

	DeadLetters int `json:"dead_letters"`
}

// Settled returns the number of events that reached a terminal state.
func (m Metrics) Settled() int64 {
	return m.ProcessedEvents + m.FailedEvents + m.DroppedEvents
}

// collector accumulates engine counters. All methods are safe for
// concurrent use.
type collector struct {
	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
	batches   atomic.Int64

	mu      sync.Mutex
	avgTime time.Duration
}

func (c *collector) recordBatch(d time.Duration) {
	n := c.batches.Add(1)
	c.mu.Lock()
	// Incremental mean, avoids keeping per-batch samples.
	c.avgTime += (d - c.avgTime) / time.Duration(n)
	c.mu.Unlock()
}

func (c *collector) averageBatchTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgTime
}

func (c *collector) reset() {
	c.total.Store(0)
	c.processed.Store(0)
	c.failed.Store(0)
	c.dropped.Store(0)
	c.batches.Store(0)
	c.mu.Lock()
	c.avgTime = 0
	c.mu.Unlock()
}

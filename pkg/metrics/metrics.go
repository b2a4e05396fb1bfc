// Package metrics defines the sink the cache reports its counters and gauges to. Reporting is fire-and-forget:
// a sink that misbehaves must never change what the cache returns, so every sink handed to the cache is wrapped
// with Safe.
package metrics

import (
	"log/slog"
	"sync"
)

// Names of everything the cache reports.
const (
	Hits             = "hits_total"
	Misses           = "misses_total"
	DiskHits         = "disk_hits_total"
	Evictions        = "evictions_total"
	Rejections       = "admission_rejections_total"
	Promotions       = "promotions_total"
	Spills           = "spills_total"
	SpillsDropped    = "spills_dropped_total"
	Backpressure     = "backpressure_total"
	StorageFull      = "storage_full_total"
	FlushErrors      = "flush_errors_total"
	RegionsReclaimed = "regions_reclaimed_total"
	EntriesRelocated = "entries_relocated_total"
	ResidentBytes    = "resident_bytes"
	DiskUsedBytes    = "disk_used_bytes"
	FreeRegions      = "free_regions"
	ReclaimLatency   = "region_reclaim_seconds"
	FetchLatency     = "disk_fetch_seconds"
)

// Sink accepts named measurements.
type Sink interface {
	// Add increments a counter.
	Add(name string, delta float64)
	// Set overwrites a gauge.
	Set(name string, value float64)
	// Observe records one sample of a distribution, e.g. a latency in seconds.
	Observe(name string, value float64)
}

// Noop drops everything.
type Noop struct{} // Implements Sink.

var _ Sink = Noop{}

func (Noop) Add(string, float64)     {}
func (Noop) Set(string, float64)     {}
func (Noop) Observe(string, float64) {}

// safeSink recovers panics of the wrapped sink. The first panic is logged; later ones are only counted.
type safeSink struct { // Implements Sink.
	sink   Sink
	logger *slog.Logger
	once   sync.Once
}

var _ Sink = (*safeSink)(nil)

// Safe wraps `sink` so that its panics never reach the caller. A nil sink becomes Noop.
func Safe(sink Sink, logger *slog.Logger) Sink {
	if sink == nil {
		return Noop{}
	}
	if _, isSafe := sink.(*safeSink); isSafe {
		return sink
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &safeSink{sink: sink, logger: logger}
}

func (s *safeSink) guard(name string) {
	if r := recover(); r != nil {
		s.once.Do(func() {
			s.logger.Error("Metrics sink panicked; further panics are silenced.", "metric", name, "panic", r)
		})
	}
}

func (s *safeSink) Add(name string, delta float64) {
	defer s.guard(name)
	s.sink.Add(name, delta)
}

func (s *safeSink) Set(name string, value float64) {
	defer s.guard(name)
	s.sink.Set(name, value)
}

func (s *safeSink) Observe(name string, value float64) {
	defer s.guard(name)
	s.sink.Observe(name, value)
}

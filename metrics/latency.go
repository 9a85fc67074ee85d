// Package metrics tracks latency quantiles of remote cache operations.
package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker keeps one DDSketch per operation. It is safe for concurrent use.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker. relativeAccuracy bounds the error of the reported
// quantiles, e.g. 0.01 for 1%.
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds a sample for operation, in milliseconds.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start. Meant to be deferred.
func (lt *LatencyTracker) Since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

// Stats summarizes one operation. Latencies are in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return statsOf(operation, sketch), nil
}

func statsOf(operation string, sketch *ddsketch.DDSketch) Stats {
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}
	}

	st := Stats{Operation: operation, Count: int64(count)}
	st.Min, _ = sketch.GetMinValue()
	st.P50, _ = sketch.GetValueAtQuantile(0.50)
	st.P90, _ = sketch.GetValueAtQuantile(0.90)
	st.P99, _ = sketch.GetValueAtQuantile(0.99)
	st.Max, _ = sketch.GetMaxValue()
	return st
}

// GetAllStats returns statistics for every operation, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for operation, sketch := range lt.sketches {
		stats = append(stats, statsOf(operation, sketch))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

// SlogArgs converts stats to arguments for slog logging functions, e.g.
// slog.Info("latency", st.SlogArgs()...)
func (s Stats) SlogArgs() []any {
	return []any{
		slog.String("op", s.Operation),
		slog.Int64("n", s.Count),
		slog.String("p50", fmt.Sprintf("%.2fms", s.P50)),
		slog.String("p90", fmt.Sprintf("%.2fms", s.P90)),
		slog.String("p99", fmt.Sprintf("%.2fms", s.P99)),
		slog.String("max", fmt.Sprintf("%.2fms", s.Max)),
	}
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

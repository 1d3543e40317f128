package progress

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Progress is a checkpoint report from a long-running scan.
type Progress struct {
	Operation string
	Store     string
	Processed int64
	Total     int64
	Elapsed   time.Duration
	Done      bool
}

// Percentage returns the completed fraction in percent, or 0 when the total is unknown.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// Throughput returns processed items per second.
func (p Progress) Throughput() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Processed) / p.Elapsed.Seconds()
}

// Sink receives progress reports.
type Sink func(Progress)

// Nop discards all reports.
func Nop(Progress) {}

// Throttle wraps sink so that at most one report per interval reaches it.
// Reports with Done set always pass.
func Throttle(sink Sink, interval time.Duration) Sink {
	if sink == nil {
		return Nop
	}
	if interval <= 0 {
		return sink
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	return func(p Progress) {
		if p.Done || limiter.Allow() {
			sink(p)
		}
	}
}

// Tracker produces Progress values for one operation.
type Tracker struct {
	operation string
	store     string
	total     int64
	start     time.Time
	sink      Sink
}

// NewTracker creates a tracker reporting to sink.
func NewTracker(sink Sink, operation, store string, total int64) *Tracker {
	if sink == nil {
		sink = Nop
	}
	return &Tracker{
		operation: operation,
		store:     store,
		total:     total,
		start:     time.Now(),
		sink:      sink,
	}
}

// Report emits an intermediate checkpoint.
func (t *Tracker) Report(processed int64) {
	t.sink(Progress{
		Operation: t.operation,
		Store:     t.store,
		Processed: processed,
		Total:     t.total,
		Elapsed:   time.Since(t.start),
	})
}

// Done emits the final report.
func (t *Tracker) Done(processed int64) {
	t.sink(Progress{
		Operation: t.operation,
		Store:     t.store,
		Processed: processed,
		Total:     t.total,
		Elapsed:   time.Since(t.start),
		Done:      true,
	})
}

// FormatThroughput formats throughput as human-readable items per second
func FormatThroughput(itemsPerSec float64) string {
	if itemsPerSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	}
	if itemsPerSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", itemsPerSec)
}

// Package progress reports periodic completion estimates for long-running
// orchestrator phases (the baseline's per-page scraping loop, C12), so an operator
// watching logs on a large wiki sees throughput and an ETA rather than
// silence between checkpoints.
package progress

import (
	"context"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing count of completed units of work.
type Counter struct {
	count int64
}

// Add increments the counter by n and returns the new total.
func (c *Counter) Add(n int64) int64 {
	return atomic.AddInt64(&c.count, n)
}

// Count returns the current total.
func (c *Counter) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// Snapshot is one periodic progress observation.
type Snapshot struct {
	Count     int64
	Total     int64
	Started   time.Time
	Current   time.Time
	Elapsed   time.Duration
	remaining time.Duration
	estimated time.Time
}

// Percent returns the completion ratio as 0-100. Total of zero yields 0.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Count) / float64(s.Total) * 100 //nolint:gomnd
}

// Remaining estimates the time left at the observed rate.
func (s Snapshot) Remaining() time.Duration {
	return s.remaining
}

// Estimated is the projected completion time.
func (s Snapshot) Estimated() time.Time {
	return s.estimated
}

// Ticker periodically samples a Counter against a known total and emits
// Snapshot values on C until the context is canceled or Stop is called.
type Ticker struct {
	C    <-chan Snapshot
	stop func()
}

// Stop ends the ticker and closes C.
func (t *Ticker) Stop() {
	t.stop()
}

// NewTicker starts sampling counter every interval, reporting progress
// against total. The caller must either drain C or call Stop to avoid
// leaking the background goroutine.
func NewTicker(ctx context.Context, counter *Counter, total int64, interval time.Duration) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	started := time.Now()
	output := make(chan Snapshot)
	ticker := time.NewTicker(interval)

	go func() {
		defer cancel()
		defer close(output)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				snapshot := Snapshot{
					Count:   counter.Count(),
					Total:   total,
					Started: started,
					Current: now,
					Elapsed: now.Sub(started),
				}
				if snapshot.Count > 0 && total > 0 {
					ratio := float64(snapshot.Count) / float64(total)
					projected := time.Duration(float64(snapshot.Elapsed) / ratio)
					snapshot.estimated = started.Add(projected)
					snapshot.remaining = snapshot.estimated.Sub(now)
				}
				select {
				case output <- snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Ticker{C: output, stop: cancel}
}

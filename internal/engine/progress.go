// Package engine implements track selection, segment fetching, download
// orchestration, verification and the final remux.
package engine

import (
	"sync/atomic"
	"time"
)

// ProgressState holds the session-scoped counters shared by every fetcher
// pool. All counters are monotonically non-decreasing until the session
// reaches a terminal state; increments are atomic and safe from any
// goroutine.
type ProgressState struct {
	bytesReceived     atomic.Int64
	segmentsCompleted atomic.Int64
	segmentsTotal     atomic.Int64
	retries           atomic.Int64
	start             time.Time
}

// NewProgressState creates the counters for one download session.
func NewProgressState() *ProgressState {
	return &ProgressState{start: time.Now()}
}

// AddBytes records received bytes.
func (p *ProgressState) AddBytes(n int64) { p.bytesReceived.Add(n) }

// SegmentDone records one completed segment.
func (p *ProgressState) SegmentDone() { p.segmentsCompleted.Add(1) }

// AddTotal grows the expected segment count as pools are scheduled.
func (p *ProgressState) AddTotal(n int) { p.segmentsTotal.Add(int64(n)) }

// Retry records one retry attempt.
func (p *ProgressState) Retry() { p.retries.Add(1) }

// Snapshot is a point-in-time view of the session's progress.
type Snapshot struct {
	BytesReceived     int64
	SegmentsCompleted int64
	SegmentsTotal     int64
	Retries           int64
	Elapsed           time.Duration
	Throughput        float64 // bytes per second
}

// Snapshot returns the current counters.
func (p *ProgressState) Snapshot() Snapshot {
	elapsed := time.Since(p.start)
	bytes := p.bytesReceived.Load()

	var throughput float64
	if elapsed > 0 {
		throughput = float64(bytes) / elapsed.Seconds()
	}

	return Snapshot{
		BytesReceived:     bytes,
		SegmentsCompleted: p.segmentsCompleted.Load(),
		SegmentsTotal:     p.segmentsTotal.Load(),
		Retries:           p.retries.Load(),
		Elapsed:           elapsed,
		Throughput:        throughput,
	}
}

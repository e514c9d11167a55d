package scheduler

import (
	"sync/atomic"
	"time"
)

// RunStats counts what the retry loop did since start.
type RunStats struct {
	cycles          int64
	retried         int64
	succeeded       int64
	failed          int64
	errors          int64
	totalDurationNs int64
	lastRunNs       int64
	startedNs       int64
}

func NewRunStats() *RunStats {
	return &RunStats{startedNs: time.Now().UnixNano()}
}

func (m *RunStats) RecordCycle(at time.Time, duration time.Duration) {
	atomic.AddInt64(&m.cycles, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
	atomic.StoreInt64(&m.lastRunNs, at.UnixNano())
}

func (m *RunStats) RecordSuccess() {
	atomic.AddInt64(&m.retried, 1)
	atomic.AddInt64(&m.succeeded, 1)
}

func (m *RunStats) RecordFailure() {
	atomic.AddInt64(&m.retried, 1)
	atomic.AddInt64(&m.failed, 1)
}

// RecordError counts a record whose retry could not be attempted at all.
func (m *RunStats) RecordError() {
	atomic.AddInt64(&m.errors, 1)
}

type Snapshot struct {
	Cycles        int64     `json:"cycles"`
	Retried       int64     `json:"retried"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	Errors        int64     `json:"errors"`
	AvgCycleMs    int64     `json:"avgCycleMs"`
	LastRun       time.Time `json:"lastRun,omitempty"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}

func (m *RunStats) Snapshot() Snapshot {
	cycles := atomic.LoadInt64(&m.cycles)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)

	s := Snapshot{
		Cycles:        cycles,
		Retried:       atomic.LoadInt64(&m.retried),
		Succeeded:     atomic.LoadInt64(&m.succeeded),
		Failed:        atomic.LoadInt64(&m.failed),
		Errors:        atomic.LoadInt64(&m.errors),
		UptimeSeconds: time.Since(time.Unix(0, atomic.LoadInt64(&m.startedNs))).Seconds(),
	}
	if cycles > 0 {
		s.AvgCycleMs = time.Duration(durationNs / cycles).Milliseconds()
	}
	if last := atomic.LoadInt64(&m.lastRunNs); last > 0 {
		s.LastRun = time.Unix(0, last).UTC()
	}
	return s
}

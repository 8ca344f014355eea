package harness

import (
	"sync/atomic"
	"time"
)

// Metrics are run-scoped counters shared between the dispatch loop, the
// registry, and the driver hooks. All fields are safe for concurrent use.
type Metrics struct {
	Ticks        atomic.Uint64
	Overruns     atomic.Uint64
	Observations atomic.Uint64
	Actions      atomic.Uint64
	Stalls       atomic.Int64
	Recoveries   atomic.Int64
	Terminations atomic.Int64
	Faults       atomic.Int64

	// Tick processing time, nanoseconds. Mean and max surface in Snapshot.
	TickTimeTotal atomic.Int64
	TickTimeMax   atomic.Int64
}

func NewMetrics() *Metrics { return &Metrics{} }

// RecordTickDuration folds one tick's processing time into the totals.
func (m *Metrics) RecordTickDuration(d time.Duration) {
	ns := int64(d)
	m.TickTimeTotal.Add(ns)
	for {
		max := m.TickTimeMax.Load()
		if ns <= max || m.TickTimeMax.CompareAndSwap(max, ns) {
			return
		}
	}
}

// Snapshot is a plain copy for reporting and persistence.
type Snapshot struct {
	Ticks        uint64  `json:"ticks"`
	Overruns     uint64  `json:"overruns"`
	Observations uint64  `json:"observations"`
	Actions      uint64  `json:"actions"`
	Stalls       int64   `json:"stalls"`
	Recoveries   int64   `json:"recoveries"`
	Terminations int64   `json:"terminations"`
	Faults       int64   `json:"faults"`
	TickMeanMS   float64 `json:"tick_mean_ms"`
	TickMaxMS    float64 `json:"tick_max_ms"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Ticks:        m.Ticks.Load(),
		Overruns:     m.Overruns.Load(),
		Observations: m.Observations.Load(),
		Actions:      m.Actions.Load(),
		Stalls:       m.Stalls.Load(),
		Recoveries:   m.Recoveries.Load(),
		Terminations: m.Terminations.Load(),
		Faults:       m.Faults.Load(),
		TickMaxMS:    float64(m.TickTimeMax.Load()) / float64(time.Millisecond),
	}
	if s.Ticks > 0 {
		s.TickMeanMS = float64(m.TickTimeTotal.Load()) / float64(s.Ticks) / float64(time.Millisecond)
	}
	return s
}

// Package stats folds the frame stream into per-instance episode
// outcomes: damage traded and stocks taken, from the ego player's view.
package stats

import (
	"fmt"
	"sync"

	"ringside/internal/model"
	"ringside/internal/transform"
)

type prevFrame struct {
	seen      bool
	p1Percent float32
	p2Percent float32
	p1Stock   uint8
	p2Stock   uint8
}

// Tracker accumulates episode stats per instance. Observe is called from
// the dispatch loop's observer hook; reads may come from anywhere.
type Tracker struct {
	mu   sync.Mutex
	acc  map[model.InstanceID]*model.EpisodeStats
	prev map[model.InstanceID]*prevFrame
}

func NewTracker() *Tracker {
	return &Tracker{
		acc:  make(map[model.InstanceID]*model.EpisodeStats),
		prev: make(map[model.InstanceID]*prevFrame),
	}
}

// Observe folds one raw frame into the instance's running stats. Damage is
// the positive percent delta; a percent drop with a stock decrement is a
// stock loss, not healing.
func (t *Tracker) Observe(id model.InstanceID, frame uint64, payload []byte) error {
	fr, err := transform.DecodeGameFrame(payload)
	if err != nil {
		return fmt.Errorf("stats frame %d: %w", frame, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	acc, ok := t.acc[id]
	if !ok {
		acc = &model.EpisodeStats{Episodes: 1}
		t.acc[id] = acc
		t.prev[id] = &prevFrame{}
	}
	prev := t.prev[id]

	acc.Frames++
	if prev.seen {
		if d := fr.P1.Percent - prev.p1Percent; d > 0 {
			acc.DamageReceived += float64(d)
		}
		if d := fr.P2.Percent - prev.p2Percent; d > 0 {
			acc.DamageDealt += float64(d)
		}
		if fr.P1.Stock < prev.p1Stock {
			acc.StocksLost += int(prev.p1Stock - fr.P1.Stock)
		}
		if fr.P2.Stock < prev.p2Stock {
			acc.StocksTaken += int(prev.p2Stock - fr.P2.Stock)
		}
	}
	prev.seen = true
	prev.p1Percent = fr.P1.Percent
	prev.p2Percent = fr.P2.Percent
	prev.p1Stock = fr.P1.Stock
	prev.p2Stock = fr.P2.Stock
	return nil
}

// Instance returns a copy of one instance's accumulated stats.
func (t *Tracker) Instance(id model.InstanceID) model.EpisodeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if acc, ok := t.acc[id]; ok {
		return *acc
	}
	return model.EpisodeStats{}
}

// Total sums every instance's stats into one run-level aggregate.
func (t *Tracker) Total() model.EpisodeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total model.EpisodeStats
	for _, acc := range t.acc {
		total.DamageDealt += acc.DamageDealt
		total.DamageReceived += acc.DamageReceived
		total.StocksTaken += acc.StocksTaken
		total.StocksLost += acc.StocksLost
		total.Frames += acc.Frames
		total.Episodes += acc.Episodes
	}
	return total
}

package harness

import (
	"errors"
	"fmt"
	"time"

	"ringside/internal/framebuf"
	"ringside/internal/model"
)

const collectPollInterval = 200 * time.Microsecond

// Aggregator sweeps the LIVE instances' channels and assembles one tick's
// batch. Each instance contributes at most one observation per collection
// pass; instances with nothing ready by the deadline are simply absent
// from the batch.
type Aggregator struct {
	reg     *Registry
	pending []model.InstanceID
}

func NewAggregator(reg *Registry) *Aggregator {
	return &Aggregator{reg: reg}
}

// Collect fills the batch with whatever the LIVE instances have published,
// polling until the deadline, until every candidate has contributed, or
// until the batch is full. A corrupt channel forcibly terminates its
// instance and never aborts the sweep; the remaining instances are
// unaffected. The returned batch is ordered by ascending instance id.
func (a *Aggregator) Collect(deadline time.Time, batch *Batch) {
	batch.reset()

	a.pending = a.pending[:0]
	a.pending = append(a.pending, a.reg.LiveIDs()...)

	for {
		remaining := a.pending[:0]
		for _, id := range a.pending {
			inst, ok := a.reg.Get(id)
			if !ok || inst.Status() != model.Live {
				continue
			}
			slot, ok := batch.stage()
			if !ok {
				break
			}
			frame, ready, err := inst.Channel.TryReadObservation(slot.payload)
			if err != nil {
				if errors.Is(err, framebuf.ErrCorruptBuffer) {
					a.reg.Terminate(id, fmt.Errorf("collect observation: %w", err))
				}
				continue
			}
			if !ready {
				remaining = append(remaining, id)
				continue
			}
			batch.commit(id, frame.Index, frame.Size)
			a.reg.metrics.Observations.Add(1)
		}
		a.pending = remaining
		if len(a.pending) == 0 || batch.Len() == batch.Cap() || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(collectPollInterval)
	}

	batch.sortByID()
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ringside/internal/framebuf"
	"ringside/internal/model"
)

// ObservationFunc sees every collected observation before inference. The
// payload aliases the batch arena and must not be retained.
type ObservationFunc func(id model.InstanceID, frame uint64, payload []byte)

type LoopConfig struct {
	// TickBudget is the wall-clock target for one full tick. Defaults to
	// one 60Hz frame.
	TickBudget time.Duration

	// InferenceBudget is the slice of the tick reserved for the forward
	// pass and action writes; collection gets the rest. Defaults to half
	// the tick budget.
	InferenceBudget time.Duration

	// KeepAlive, when set, holds the loop open while it returns true even
	// if no instance is currently alive. The supervisor uses this to cover
	// the respawn window.
	KeepAlive func() bool
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.TickBudget <= 0 {
		c.TickBudget = 16667 * time.Microsecond
	}
	if c.InferenceBudget <= 0 || c.InferenceBudget >= c.TickBudget {
		c.InferenceBudget = c.TickBudget / 2
	}
	return c
}

// Loop is the run's single mutator of batching state: collect, infer,
// dispatch, sleep off the remainder of the tick. Drivers only touch their
// own channels; everything cross-instance happens here.
type Loop struct {
	reg       *Registry
	agg       *Aggregator
	batcher   *Batcher
	cfg       LoopConfig
	batch     *Batch
	observers []ObservationFunc

	actBuf [model.ActionPayloadSize]byte
}

func NewLoop(reg *Registry, batcher *Batcher, payloadCap int, cfg LoopConfig, observers ...ObservationFunc) *Loop {
	return &Loop{
		reg:       reg,
		agg:       NewAggregator(reg),
		batcher:   batcher,
		cfg:       cfg.withDefaults(),
		batch:     NewBatch(batcher.maxBatch, payloadCap),
		observers: observers,
	}
}

// Run ticks until every instance has terminated or the context ends. The
// only error it returns is a fatal model failure; instance-level failures
// terminate the instance and the run continues.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.reg.AliveCount() == 0 && (l.cfg.KeepAlive == nil || !l.cfg.KeepAlive()) {
			return nil
		}

		start := time.Now()
		if err := l.Tick(start); err != nil {
			return err
		}

		elapsed := time.Since(start)
		l.reg.metrics.RecordTickDuration(elapsed)
		if elapsed > l.cfg.TickBudget {
			l.reg.metrics.Overruns.Add(1)
			log.Printf("tick %d overran budget: %v > %v", l.reg.metrics.Ticks.Load(), elapsed, l.cfg.TickBudget)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.TickBudget - elapsed):
		}
	}
}

// Tick runs one collect/infer/dispatch cycle. Exported so tests can step
// the loop deterministically.
func (l *Loop) Tick(start time.Time) error {
	l.reg.metrics.Ticks.Add(1)

	collectDeadline := start.Add(l.cfg.TickBudget - l.cfg.InferenceBudget)
	l.agg.Collect(collectDeadline, l.batch)

	for i := range l.batch.Entries() {
		e := &l.batch.Entries()[i]
		for _, obs := range l.observers {
			obs(e.ID, e.Frame, e.Payload())
		}
	}

	assignments, faults, err := l.batcher.Infer(l.batch)
	if err != nil {
		return err
	}
	for _, f := range faults {
		l.reg.metrics.Faults.Add(1)
		l.reg.Terminate(f.ID, fmt.Errorf("%w: %v", framebuf.ErrCorruptBuffer, f.Err))
	}
	l.dispatch(assignments)
	return nil
}

// dispatch writes each action back onto its instance's channel. A closed
// channel means the driver already tore the instance down; the action is
// simply dropped.
func (l *Loop) dispatch(assignments []ActionAssignment) {
	for _, a := range assignments {
		inst, ok := l.reg.Get(a.ID)
		if !ok || inst.Status() == model.Terminated {
			continue
		}
		payload, err := model.EncodeActionPayload(a.Action, l.actBuf[:])
		if err != nil {
			l.reg.Terminate(a.ID, fmt.Errorf("encode action: %w", err))
			continue
		}
		if err := inst.Channel.WriteAction(a.Action.Frame, payload); err != nil {
			if errors.Is(err, framebuf.ErrChannelClosed) {
				continue
			}
			l.reg.Terminate(a.ID, fmt.Errorf("dispatch action: %w", err))
			continue
		}
		l.reg.metrics.Actions.Add(1)
	}
}

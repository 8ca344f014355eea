package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ringside/internal/framebuf"
	"ringside/internal/model"
)

var (
	// ErrInstanceCrash marks an emulator process that died under the driver.
	ErrInstanceCrash = errors.New("emulator instance crashed")

	// ErrStallExceeded marks an instance terminated after too many
	// consecutive stalled frames.
	ErrStallExceeded = errors.New("stall threshold exceeded")
)

// State is the driver's position in its per-frame cycle.
type State int32

const (
	AwaitingFrame State = iota
	Observed
	AwaitingAction
	Advancing
)

func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting_frame"
	case Observed:
		return "observed"
	case AwaitingAction:
		return "awaiting_action"
	case Advancing:
		return "advancing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	// ActionTimeout bounds how long one frame waits for its action before
	// the driver substitutes a neutral input.
	ActionTimeout time.Duration

	// RetryLimit is how many consecutive missed frames a LIVE instance
	// absorbs before it is marked STALLED.
	RetryLimit int

	// StallLimit is how many consecutive stalled frames force TERMINATED.
	StallLimit int

	// MaxFrames ends the episode normally after this many frames; zero
	// means unbounded.
	MaxFrames uint64
}

func (c Config) withDefaults() Config {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 16 * time.Millisecond
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.StallLimit <= 0 {
		c.StallLimit = 60
	}
	return c
}

// Hooks report lifecycle transitions to the harness. Callbacks run on the
// driver goroutine and must not block.
type Hooks struct {
	OnStall     func(id model.InstanceID, frame uint64)
	OnRecover   func(id model.InstanceID, frame uint64)
	OnTerminate func(id model.InstanceID, err error)
}

// Driver owns one emulator instance: it advances the console one frame at
// a time, publishes observations into the instance's frame buffer channel,
// and reads back the action to apply before the next advance. The emulator
// keeps its native rate even when the batcher is momentarily slow; missed
// frames degrade to neutral inputs instead of freezing the instance.
type Driver struct {
	id      model.InstanceID
	console Console
	channel *framebuf.Channel
	cfg     Config
	hooks   Hooks

	status atomic.Int32
	state  atomic.Int32
	frames atomic.Uint64
	stalls atomic.Int64

	actBuf [model.ActionPayloadSize]byte
}

func NewDriver(id model.InstanceID, console Console, channel *framebuf.Channel, cfg Config, hooks Hooks) *Driver {
	return &Driver{
		id:      id,
		console: console,
		channel: channel,
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
	}
}

func (d *Driver) ID() model.InstanceID   { return d.id }
func (d *Driver) Status() model.Liveness { return model.Liveness(d.status.Load()) }
func (d *Driver) State() State           { return State(d.state.Load()) }
func (d *Driver) Frames() uint64         { return d.frames.Load() }

// Stalls counts LIVE→STALLED transitions over the driver's lifetime.
func (d *Driver) Stalls() int { return int(d.stalls.Load()) }

// Run executes the frame cycle until the context is cancelled, the console
// dies, the stall threshold trips, or the episode completes. The console
// and channel are always released on the way out.
func (d *Driver) Run(ctx context.Context) error {
	missed := 0
	stalledRun := 0
	var processed uint64

	for {
		if err := ctx.Err(); err != nil {
			return d.terminate(err)
		}

		d.state.Store(int32(AwaitingFrame))
		raw, err := d.console.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.terminate(ctx.Err())
			}
			return d.terminate(fmt.Errorf("%w: %v", ErrInstanceCrash, err))
		}

		d.state.Store(int32(Observed))
		if err := d.channel.WriteObservation(raw.Frame, raw.Payload); err != nil {
			return d.terminate(fmt.Errorf("publish observation %d: %w", raw.Frame, err))
		}
		d.frames.Store(raw.Frame)

		d.state.Store(int32(AwaitingAction))
		action, ok, err := d.awaitAction(raw.Frame)
		if err != nil {
			return d.terminate(err)
		}
		if ok {
			missed = 0
			stalledRun = 0
			if d.Status() == model.Stalled {
				d.status.Store(int32(model.Live))
				if d.hooks.OnRecover != nil {
					d.hooks.OnRecover(d.id, raw.Frame)
				}
			}
		} else {
			action = model.NeutralAction(raw.Frame)
			if d.Status() == model.Live {
				missed++
				if missed >= d.cfg.RetryLimit {
					d.status.Store(int32(model.Stalled))
					d.stalls.Add(1)
					stalledRun = 1
					if d.hooks.OnStall != nil {
						d.hooks.OnStall(d.id, raw.Frame)
					}
				}
			} else {
				stalledRun++
				if stalledRun >= d.cfg.StallLimit {
					return d.terminate(fmt.Errorf("%w: %d consecutive stalled frames", ErrStallExceeded, stalledRun))
				}
			}
		}

		d.state.Store(int32(Advancing))
		if err := d.console.Apply(action); err != nil {
			return d.terminate(fmt.Errorf("%w: apply input: %v", ErrInstanceCrash, err))
		}

		processed++
		if d.cfg.MaxFrames > 0 && processed >= d.cfg.MaxFrames {
			return d.terminate(nil)
		}
	}
}

// awaitAction waits for the action answering the given frame. Actions
// computed from an older observation are discarded, never applied late.
func (d *Driver) awaitAction(frame uint64) (model.Action, bool, error) {
	deadline := time.Now().Add(d.cfg.ActionTimeout)
	for {
		fr, ok, err := d.channel.ReadActionUntil(deadline, d.actBuf[:])
		if err != nil {
			return model.Action{}, false, fmt.Errorf("read action: %w", err)
		}
		if !ok {
			return model.Action{}, false, nil
		}
		if fr.Index != frame {
			continue
		}
		action, err := model.DecodeActionPayload(fr.Index, d.actBuf[:fr.Size])
		if err != nil {
			return model.Action{}, false, fmt.Errorf("%w: %v", framebuf.ErrCorruptBuffer, err)
		}
		return action, true, nil
	}
}

func (d *Driver) terminate(cause error) error {
	d.status.Store(int32(model.Terminated))
	if err := d.console.Stop(); err != nil && cause == nil {
		cause = fmt.Errorf("stop console: %w", err)
	}
	_ = d.channel.Close()
	if d.hooks.OnTerminate != nil {
		d.hooks.OnTerminate(d.id, cause)
	}
	return cause
}

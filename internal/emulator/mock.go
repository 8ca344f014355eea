package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ringside/internal/model"
	"ringside/internal/transform"
)

// ErrConsoleStopped is returned by a console whose process is gone.
var ErrConsoleStopped = errors.New("console stopped")

// MockConsole is a self-contained stand-in for a real emulator process: a
// deterministic two-player skirmish that advances one frame per Step and
// obeys the applied controller state. It speaks the fox-v0 raw layout, so
// the full harness path is exercisable without a game install.
type MockConsole struct {
	mu       sync.Mutex
	rng      *rand.Rand
	interval time.Duration

	frame   uint64
	p1      transform.PlayerState
	p2      transform.PlayerState
	pending model.Action
	stopped bool

	buf [transform.FramePayloadSize]byte
}

// NewMockConsole seeds a skirmish. A zero interval steps as fast as the
// caller asks; a positive one simulates the emulator's native frame rate.
func NewMockConsole(seed int64, interval time.Duration) *MockConsole {
	return &MockConsole{
		rng:      rand.New(rand.NewSource(seed)),
		interval: interval,
		p1:       transform.PlayerState{X: -40, Stock: 4, Facing: 1},
		p2:       transform.PlayerState{X: 40, Stock: 4, Facing: -1},
		pending:  model.NeutralAction(0),
	}
}

// Step advances one frame of the skirmish. The returned payload is only
// valid until the next Step.
func (c *MockConsole) Step(ctx context.Context) (RawState, error) {
	if c.interval > 0 {
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RawState{}, ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return RawState{}, ErrConsoleStopped
	}

	c.advance()
	c.frame++

	fr := transform.GameFrame{
		Index:      c.frame,
		P1:         c.p1,
		P2:         c.p2,
		EgoMainX:   c.pending.MainX,
		EgoMainY:   c.pending.MainY,
		EgoCStickX: c.pending.CStickX,
		EgoCStickY: c.pending.CStickY,
		EgoButtons: c.pending.Buttons,
	}
	payload, err := transform.EncodeGameFrame(fr, c.buf[:])
	if err != nil {
		return RawState{}, fmt.Errorf("encode frame %d: %w", c.frame, err)
	}
	return RawState{Frame: c.frame, Payload: payload}, nil
}

func (c *MockConsole) advance() {
	// Ego moves with the main stick; the sparring partner drifts toward it.
	c.p1.X += (float32(c.pending.MainX) - 128) / 128 * 1.5
	if c.p1.X > 100 {
		c.p1.X = 100
	}
	if c.p1.X < -100 {
		c.p1.X = -100
	}
	gap := c.p1.X - c.p2.X
	step := float32(0.8) + float32(c.rng.Float64())*0.2
	if gap < 0 {
		step = -step
	}
	c.p2.X += step

	if c.p1.X >= c.p2.X {
		c.p1.Facing = -1
		c.p2.Facing = 1
	} else {
		c.p1.Facing = 1
		c.p2.Facing = -1
	}

	if abs32(gap) < 10 {
		c.p1.Percent += 1.2
		if c.pending.Buttons&(model.ButtonA|model.ButtonB) != 0 {
			c.p2.Percent += 1.8
		}
	}
	if c.p1.Percent > 120 && c.p1.Stock > 0 {
		c.p1.Stock--
		c.p1.Percent = 0
		c.p1.X = -40
	}
	if c.p2.Percent > 120 && c.p2.Stock > 0 {
		c.p2.Stock--
		c.p2.Percent = 0
		c.p2.X = 40
	}
}

func (c *MockConsole) Apply(action model.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrConsoleStopped
	}
	c.pending = action
	return nil
}

func (c *MockConsole) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Kill simulates the emulator process dying out from under the driver:
// the next Step fails instead of producing a frame.
func (c *MockConsole) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

package emulator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ringside/internal/framebuf"
	"ringside/internal/model"
)

type fakeConsole struct {
	mu      sync.Mutex
	frame   uint64
	applied []model.Action
	failAt  uint64
	stopped bool
}

func (c *fakeConsole) Step(ctx context.Context) (RawState, error) {
	if err := ctx.Err(); err != nil {
		return RawState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return RawState{}, ErrConsoleStopped
	}
	c.frame++
	if c.failAt > 0 && c.frame >= c.failAt {
		return RawState{}, errors.New("dolphin exited unexpectedly")
	}
	return RawState{Frame: c.frame, Payload: []byte{byte(c.frame)}}, nil
}

func (c *fakeConsole) Apply(action model.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, action)
	return nil
}

func (c *fakeConsole) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeConsole) actions() []model.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Action, len(c.applied))
	copy(out, c.applied)
	return out
}

type hookLog struct {
	mu         sync.Mutex
	stalls     int
	recoveries int
	terminated bool
	termErr    error
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnStall: func(model.InstanceID, uint64) {
			h.mu.Lock()
			h.stalls++
			h.mu.Unlock()
		},
		OnRecover: func(model.InstanceID, uint64) {
			h.mu.Lock()
			h.recoveries++
			h.mu.Unlock()
		},
		OnTerminate: func(_ model.InstanceID, err error) {
			h.mu.Lock()
			h.terminated = true
			h.termErr = err
			h.mu.Unlock()
		},
	}
}

func newDriverChannel(t *testing.T) *framebuf.Channel {
	t.Helper()
	seg, err := framebuf.CreateSegment(filepath.Join(t.TempDir(), "drv.fbc"), 256, 64)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	return framebuf.NewChannel(seg)
}

// respond reads observations off the channel and answers them, mimicking
// the dispatch loop for a single instance.
func respond(t *testing.T, ch *framebuf.Channel, stop <-chan struct{}, answer func(frame uint64) (model.Action, bool)) {
	t.Helper()
	buf := make([]byte, 256)
	actBuf := make([]byte, model.ActionPayloadSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		fr, ok, err := ch.TryReadObservation(buf)
		if err != nil {
			return
		}
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		action, send := answer(fr.Index)
		if !send {
			continue
		}
		payload, err := model.EncodeActionPayload(action, actBuf)
		if err != nil {
			t.Errorf("encode action: %v", err)
			return
		}
		if err := ch.WriteAction(action.Frame, payload); err != nil {
			return
		}
	}
}

func TestDriverActionObservationCorrespondence(t *testing.T) {
	ch := newDriverChannel(t)
	console := &fakeConsole{}
	driver := NewDriver(1, console, ch, Config{
		ActionTimeout: 100 * time.Millisecond,
		RetryLimit:    3,
		StallLimit:    10,
		MaxFrames:     20,
	}, Hooks{})

	stop := make(chan struct{})
	defer close(stop)
	go respond(t, ch, stop, func(frame uint64) (model.Action, bool) {
		return model.Action{Frame: frame, MainX: uint8(frame), MainY: 128, Buttons: model.ButtonA}, true
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	actions := console.actions()
	if len(actions) != 20 {
		t.Fatalf("expected 20 applied actions, got %d", len(actions))
	}
	for i, action := range actions {
		wantFrame := uint64(i + 1)
		if action.Frame != wantFrame {
			t.Fatalf("action %d answers frame %d, want %d", i, action.Frame, wantFrame)
		}
		if action.MainX != uint8(wantFrame) {
			t.Fatalf("action %d payload mismatch: %+v", i, action)
		}
	}
	if driver.Stalls() != 0 {
		t.Fatalf("unexpected stalls: %d", driver.Stalls())
	}
	if driver.Status() != model.Terminated {
		t.Fatalf("expected terminated after episode end, got %v", driver.Status())
	}
}

func TestDriverDiscardsStaleActions(t *testing.T) {
	ch := newDriverChannel(t)
	console := &fakeConsole{}
	driver := NewDriver(1, console, ch, Config{
		ActionTimeout: 30 * time.Millisecond,
		RetryLimit:    3,
		StallLimit:    10,
		MaxFrames:     2,
	}, Hooks{})

	stop := make(chan struct{})
	defer close(stop)
	go respond(t, ch, stop, func(frame uint64) (model.Action, bool) {
		if frame == 1 {
			// An action left over from a skipped tick: wrong frame index.
			return model.Action{Frame: 0, MainX: 200}, true
		}
		return model.Action{Frame: frame, MainX: 64, Buttons: model.ButtonB}, true
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	actions := console.actions()
	if len(actions) != 2 {
		t.Fatalf("expected 2 applied actions, got %d", len(actions))
	}
	neutral := model.NeutralAction(1)
	if actions[0] != neutral {
		t.Fatalf("stale action was applied: %+v", actions[0])
	}
	if actions[1].Frame != 2 || actions[1].MainX != 64 {
		t.Fatalf("fresh action not applied: %+v", actions[1])
	}
	if driver.Stalls() != 0 {
		t.Fatalf("one missed frame must not stall: %d", driver.Stalls())
	}
}

func TestDriverStallBoundaryExact(t *testing.T) {
	const retryLimit = 3

	// One miss short of the limit: instance stays LIVE.
	t.Run("below threshold", func(t *testing.T) {
		ch := newDriverChannel(t)
		console := &fakeConsole{}
		log := &hookLog{}
		driver := NewDriver(1, console, ch, Config{
			ActionTimeout: 5 * time.Millisecond,
			RetryLimit:    retryLimit,
			StallLimit:    10,
			MaxFrames:     uint64(retryLimit), // last frame is answered below
		}, log.hooks())

		stop := make(chan struct{})
		defer close(stop)
		go respond(t, ch, stop, func(frame uint64) (model.Action, bool) {
			if frame < retryLimit {
				return model.Action{}, false
			}
			return model.Action{Frame: frame, MainX: 128}, true
		})

		if err := driver.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if log.stalls != 0 || driver.Stalls() != 0 {
			t.Fatalf("threshold-1 misses must stay LIVE: stalls=%d", driver.Stalls())
		}
	})

	// Exactly at the limit: STALLED once.
	t.Run("at threshold", func(t *testing.T) {
		ch := newDriverChannel(t)
		console := &fakeConsole{}
		log := &hookLog{}
		driver := NewDriver(1, console, ch, Config{
			ActionTimeout: 5 * time.Millisecond,
			RetryLimit:    retryLimit,
			StallLimit:    100,
			MaxFrames:     uint64(retryLimit + 1),
		}, log.hooks())

		if err := driver.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if driver.Stalls() != 1 {
			t.Fatalf("expected exactly one stall transition, got %d", driver.Stalls())
		}
		log.mu.Lock()
		stalls := log.stalls
		log.mu.Unlock()
		if stalls != 1 {
			t.Fatalf("stall hook fired %d times", stalls)
		}
	})
}

func TestDriverTerminatesAfterStallLimit(t *testing.T) {
	const (
		retryLimit = 2
		stallLimit = 4
	)
	ch := newDriverChannel(t)
	console := &fakeConsole{}
	log := &hookLog{}
	driver := NewDriver(1, console, ch, Config{
		ActionTimeout: 2 * time.Millisecond,
		RetryLimit:    retryLimit,
		StallLimit:    stallLimit,
	}, log.hooks())

	err := driver.Run(context.Background())
	if !errors.Is(err, ErrStallExceeded) {
		t.Fatalf("expected ErrStallExceeded, got %v", err)
	}
	if driver.Status() != model.Terminated {
		t.Fatalf("status: %v", driver.Status())
	}

	// Every starved frame still advanced the console with a neutral input.
	actions := console.actions()
	if len(actions) == 0 {
		t.Fatal("no frames advanced while starved")
	}
	for i, action := range actions {
		if action != model.NeutralAction(action.Frame) {
			t.Fatalf("non-neutral action %d while starved: %+v", i, action)
		}
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if !log.terminated || !errors.Is(log.termErr, ErrStallExceeded) {
		t.Fatalf("terminate hook: terminated=%v err=%v", log.terminated, log.termErr)
	}
}

func TestDriverRecoversFromStall(t *testing.T) {
	const retryLimit = 2
	ch := newDriverChannel(t)
	console := &fakeConsole{}
	log := &hookLog{}
	driver := NewDriver(1, console, ch, Config{
		ActionTimeout: 5 * time.Millisecond,
		RetryLimit:    retryLimit,
		StallLimit:    50,
		MaxFrames:     8,
	}, log.hooks())

	stop := make(chan struct{})
	defer close(stop)
	go respond(t, ch, stop, func(frame uint64) (model.Action, bool) {
		if frame <= retryLimit+1 {
			return model.Action{}, false
		}
		return model.Action{Frame: frame, MainX: 128}, true
	})

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.stalls != 1 {
		t.Fatalf("expected one stall, got %d", log.stalls)
	}
	if log.recoveries != 1 {
		t.Fatalf("expected one recovery, got %d", log.recoveries)
	}
}

func TestDriverReportsInstanceCrash(t *testing.T) {
	ch := newDriverChannel(t)
	console := &fakeConsole{failAt: 5}
	log := &hookLog{}
	driver := NewDriver(3, console, ch, Config{
		ActionTimeout: 5 * time.Millisecond,
		RetryLimit:    3,
		StallLimit:    10,
	}, log.hooks())

	stop := make(chan struct{})
	defer close(stop)
	go respond(t, ch, stop, func(frame uint64) (model.Action, bool) {
		return model.Action{Frame: frame}, true
	})

	err := driver.Run(context.Background())
	if !errors.Is(err, ErrInstanceCrash) {
		t.Fatalf("expected ErrInstanceCrash, got %v", err)
	}
	if driver.Status() != model.Terminated {
		t.Fatalf("status: %v", driver.Status())
	}
	if !console.stopped {
		t.Fatal("console not released on crash")
	}
}

func TestDriverCooperativeCancel(t *testing.T) {
	ch := newDriverChannel(t)
	console := &fakeConsole{}
	driver := NewDriver(1, console, ch, Config{
		ActionTimeout: 2 * time.Millisecond,
		RetryLimit:    100,
		StallLimit:    100,
	}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop on cancel")
	}
	if driver.Status() != model.Terminated {
		t.Fatalf("status after cancel: %v", driver.Status())
	}
}

func TestMockConsoleDeterministicUnderSameSeed(t *testing.T) {
	run := func() []byte {
		console := NewMockConsole(42, 0)
		var last []byte
		for i := 0; i < 50; i++ {
			raw, err := console.Step(context.Background())
			if err != nil {
				t.Fatalf("step: %v", err)
			}
			if raw.Frame != uint64(i+1) {
				t.Fatalf("frame index: %d", raw.Frame)
			}
			if err := console.Apply(model.Action{Frame: raw.Frame, MainX: 255, Buttons: model.ButtonA}); err != nil {
				t.Fatalf("apply: %v", err)
			}
			last = append(last[:0], raw.Payload...)
		}
		out := make([]byte, len(last))
		copy(out, last)
		return out
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("payload sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("mock console diverged across identical runs")
		}
	}

	console := NewMockConsole(1, 0)
	console.Kill()
	if _, err := console.Step(context.Background()); !errors.Is(err, ErrConsoleStopped) {
		t.Fatalf("expected ErrConsoleStopped after kill, got %v", err)
	}
}

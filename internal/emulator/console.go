package emulator

import (
	"context"

	"ringside/internal/model"
)

// RawState is one frame of raw game state handed over by the emulator.
type RawState struct {
	Frame   uint64
	Payload []byte
}

// Console is the harness's only contract with an emulator process: apply
// the pending controller state, advance exactly one frame, and hand back
// the next raw state. Process spawning and the wire layout of the raw
// state are the implementation's concern; the stock dolphin console lives
// outside this module and registers through this interface.
type Console interface {
	// Step advances the emulator one frame and returns the resulting raw
	// state. It blocks at the emulator's native frame rate.
	Step(ctx context.Context) (RawState, error)

	// Apply stages the controller state the next Step will advance with.
	Apply(action model.Action) error

	// Stop releases the emulator process. It must be safe to call after a
	// failed Step.
	Stop() error
}

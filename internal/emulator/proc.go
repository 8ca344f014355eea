package emulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"ringside/internal/model"
)

// Wire framing for an external emulator process: the process writes
// observations to stdout as an 8-byte little-endian frame index, a 4-byte
// payload length, and the payload; it reads actions from stdin as an
// 8-byte frame index followed by the fixed controller payload.
const obsHeaderSize = 12

// defaultFrameTimeout bounds how long one Step waits for the child to
// produce a frame before the process is treated as hung and killed.
const defaultFrameTimeout = 10 * time.Second

func readRawState(r io.Reader, payload []byte) (RawState, error) {
	var header [obsHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return RawState{}, fmt.Errorf("read frame header: %w", err)
	}
	frame := binary.LittleEndian.Uint64(header[0:8])
	size := binary.LittleEndian.Uint32(header[8:12])
	if int(size) > len(payload) {
		return RawState{}, fmt.Errorf("frame %d payload %d exceeds capacity %d", frame, size, len(payload))
	}
	if _, err := io.ReadFull(r, payload[:size]); err != nil {
		return RawState{}, fmt.Errorf("read frame %d payload: %w", frame, err)
	}
	return RawState{Frame: frame, Payload: payload[:size]}, nil
}

func writeAction(w io.Writer, action model.Action) error {
	var buf [8 + model.ActionPayloadSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], action.Frame)
	if _, err := model.EncodeActionPayload(action, buf[8:]); err != nil {
		return err
	}
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write action %d: %w", action.Frame, err)
	}
	return nil
}

type rawStateResult struct {
	state RawState
	err   error
}

// ProcessConsole runs an external emulator as a child process and speaks
// the pipe framing above. Frame pacing is the child's job; the driver
// sees whatever rate the process produces, bounded by the frame timeout.
type ProcessConsole struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	payload []byte

	frameTimeout time.Duration
	requests     chan struct{}
	frames       chan rawStateResult

	mu      sync.Mutex
	stopped bool
}

// NewProcessConsole launches the emulator command. maxPayload bounds the
// observation size the child may produce.
func NewProcessConsole(ctx context.Context, maxPayload int, name string, args ...string) (*ProcessConsole, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("max payload must be positive, got %d", maxPayload)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("emulator stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("emulator stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start emulator %s: %w", name, err)
	}
	c := &ProcessConsole{
		cmd:          cmd,
		stdin:        stdin,
		payload:      make([]byte, maxPayload),
		frameTimeout: defaultFrameTimeout,
		requests:     make(chan struct{}, 1),
		frames:       make(chan rawStateResult, 1),
	}
	go c.readFrames(bufio.NewReader(stdout))
	return c, nil
}

// readFrames serves one pipe read per request, so the payload buffer is
// never overwritten while the caller still holds the previous frame.
func (c *ProcessConsole) readFrames(stdout *bufio.Reader) {
	for range c.requests {
		state, err := readRawState(stdout, c.payload)
		c.frames <- rawStateResult{state: state, err: err}
		if err != nil {
			return
		}
	}
}

// Step blocks until the child produces the next frame, the context ends,
// or the frame timeout expires. A child that hangs without exiting is
// killed and the step fails, rather than wedging the driver.
func (c *ProcessConsole) Step(ctx context.Context) (RawState, error) {
	if err := ctx.Err(); err != nil {
		return RawState{}, err
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return RawState{}, ErrConsoleStopped
	}
	c.requests <- struct{}{}
	c.mu.Unlock()

	timer := time.NewTimer(c.frameTimeout)
	defer timer.Stop()
	select {
	case res := <-c.frames:
		return res.state, res.err
	case <-ctx.Done():
		_ = c.Stop()
		return RawState{}, ctx.Err()
	case <-timer.C:
		_ = c.Stop()
		return RawState{}, fmt.Errorf("no frame from emulator within %v", c.frameTimeout)
	}
}

func (c *ProcessConsole) Apply(action model.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrConsoleStopped
	}
	return writeAction(c.stdin, action)
}

// Stop releases the child process; safe to call more than once.
func (c *ProcessConsole) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.requests)
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

package framebuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Slot header layout, relative to the slot offset. The sequence word is a
// seqlock: odd while a write is in flight, even once published. Publication
// count is seq/2 and increases by one per publish, which is what readers
// compare against their consume cursor.
const (
	slotSeq   = 0
	slotFrame = 8
	slotLen   = 16
)

const pollInterval = 200 * time.Microsecond

// Frame describes a payload read out of a slot.
type Frame struct {
	Index uint64
	Size  int
}

// Channel is the double-slot handshake over one segment: an observation
// slot written by the emulator driver and read by the aggregator, and an
// action slot written by the dispatch loop and read by the driver. Each
// slot has exactly one writer and one reader; the consume cursors below
// belong to the single reader of their slot.
type Channel struct {
	seg *Segment

	// mu guards the mapping itself: operations hold the read side so a
	// concurrent Close cannot unmap the region mid-copy. The slot protocol
	// stays lock-free; this lock is contended only at teardown.
	mu sync.RWMutex

	obsConsumed atomic.Uint64 // aggregator side
	actConsumed atomic.Uint64 // driver side
	obsSeen     atomic.Uint64
	actSeen     atomic.Uint64
}

func NewChannel(seg *Segment) *Channel {
	return &Channel{seg: seg}
}

func (c *Channel) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&c.seg.data[off]))
}

func (c *Channel) closedWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.seg.data[offClosed]))
}

func (c *Channel) closed() bool {
	if c.seg.data == nil {
		return true
	}
	return atomic.LoadUint32(c.closedWord()) != 0
}

// Close publishes the closed flag to both sides and releases the mapping.
// Every subsequent operation fails with ErrChannelClosed; in-flight
// operations finish against the still-mapped region before the unmap.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg.data == nil {
		return nil
	}
	atomic.StoreUint32(c.closedWord(), 1)
	return c.seg.Close()
}

// WriteObservation publishes one frame of raw state. Payload bytes land
// before the sequence word flips back to even, so a half-written frame is
// never observable.
func (c *Channel) WriteObservation(frame uint64, payload []byte) error {
	return c.write(c.seg.obsOff, c.seg.obsCap, frame, payload)
}

// WriteAction publishes the controller payload answering the given frame.
func (c *Channel) WriteAction(frame uint64, payload []byte) error {
	return c.write(c.seg.actOff, c.seg.actCap, frame, payload)
}

func (c *Channel) write(off, capacity int, frame uint64, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed() {
		return ErrChannelClosed
	}
	if len(payload) > capacity {
		return fmt.Errorf("payload exceeds slot capacity: %d > %d", len(payload), capacity)
	}
	seqWord := c.word(off + slotSeq)
	seq := atomic.LoadUint64(seqWord)
	if seq%2 != 0 {
		// Single-writer invariant broken, or a writer died mid-publish.
		return fmt.Errorf("%w: write seq %d in flight", ErrCorruptBuffer, seq)
	}
	atomic.StoreUint64(seqWord, seq+1)
	copy(c.seg.data[off+slotHeaderSize:], payload)
	atomic.StoreUint64(c.word(off+slotFrame), frame)
	atomic.StoreUint64(c.word(off+slotLen), uint64(len(payload)))
	atomic.StoreUint64(seqWord, seq+2)
	return nil
}

// TryReadObservation copies the latest observation into buf if one newer
// than the last consumed is published. It never blocks; a not-ready slot
// returns ok=false with no error.
func (c *Channel) TryReadObservation(buf []byte) (Frame, bool, error) {
	return c.tryRead(c.seg.obsOff, c.seg.obsCap, &c.obsConsumed, &c.obsSeen, buf)
}

// TryReadAction is the driver-side mirror of TryReadObservation.
func (c *Channel) TryReadAction(buf []byte) (Frame, bool, error) {
	return c.tryRead(c.seg.actOff, c.seg.actCap, &c.actConsumed, &c.actSeen, buf)
}

// ReadActionUntil polls the action slot until a new payload is published or
// the deadline passes.
func (c *Channel) ReadActionUntil(deadline time.Time, buf []byte) (Frame, bool, error) {
	return c.readUntil(deadline, buf, c.TryReadAction)
}

// ReadObservationUntil polls the observation slot until a new payload is
// published or the deadline passes.
func (c *Channel) ReadObservationUntil(deadline time.Time, buf []byte) (Frame, bool, error) {
	return c.readUntil(deadline, buf, c.TryReadObservation)
}

func (c *Channel) readUntil(deadline time.Time, buf []byte, try func([]byte) (Frame, bool, error)) (Frame, bool, error) {
	for {
		fr, ok, err := try(buf)
		if ok || err != nil {
			return fr, ok, err
		}
		if !time.Now().Before(deadline) {
			return Frame{}, false, nil
		}
		time.Sleep(pollInterval)
	}
}

func (c *Channel) tryRead(off, capacity int, consumed, seen *atomic.Uint64, buf []byte) (Frame, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed() {
		return Frame{}, false, ErrChannelClosed
	}
	seqWord := c.word(off + slotSeq)
	for {
		s1 := atomic.LoadUint64(seqWord)
		if prev := seen.Load(); s1 < prev {
			return Frame{}, false, fmt.Errorf("%w: sequence regressed %d -> %d", ErrCorruptBuffer, prev, s1)
		}
		if s1%2 != 0 {
			// Write in flight; treat as not ready rather than spinning.
			return Frame{}, false, nil
		}
		seen.Store(s1)
		pub := s1 / 2
		if pub <= consumed.Load() {
			return Frame{}, false, nil
		}
		frame := atomic.LoadUint64(c.word(off + slotFrame))
		size := atomic.LoadUint64(c.word(off + slotLen))
		if size > uint64(capacity) {
			return Frame{}, false, fmt.Errorf("%w: payload length %d exceeds capacity %d", ErrCorruptBuffer, size, capacity)
		}
		if int(size) > len(buf) {
			return Frame{}, false, fmt.Errorf("read buffer too small: %d < %d", len(buf), size)
		}
		copy(buf[:size], c.seg.data[off+slotHeaderSize:off+slotHeaderSize+int(size)])
		s2 := atomic.LoadUint64(seqWord)
		if s2 != s1 {
			if s2 < s1 {
				return Frame{}, false, fmt.Errorf("%w: sequence regressed %d -> %d", ErrCorruptBuffer, s1, s2)
			}
			// Torn read: the writer republished underneath us. Retry on the
			// newer payload.
			continue
		}
		consumed.Store(pub)
		return Frame{Index: frame, Size: int(size)}, true, nil
	}
}

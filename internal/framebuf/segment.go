package framebuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	segmentMagic   = uint64(0x31434246474e4952) // "RINGFBC1"
	segmentVersion = uint32(1)

	headerSize     = 64
	slotHeaderSize = 32

	offMagic   = 0
	offVersion = 8
	offClosed  = 12
	offObsCap  = 16
	offActCap  = 20
)

var (
	ErrChannelClosed = errors.New("frame buffer channel closed")
	ErrCorruptBuffer = errors.New("frame buffer corrupt")
)

// Segment is one mmap'd shared-memory region backing a frame buffer
// channel. The layout is a fixed header followed by an observation slot and
// an action slot, each a slot header plus a fixed-capacity payload area.
type Segment struct {
	path    string
	file    *os.File
	data    []byte
	obsCap  int
	actCap  int
	obsOff  int
	actOff  int
	creator bool
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func segmentSize(obsCap, actCap int) int {
	return headerSize + slotHeaderSize + align8(obsCap) + slotHeaderSize + align8(actCap)
}

// DefaultDir returns the preferred directory for segment files.
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			return "/dev/shm"
		}
	}
	return os.TempDir()
}

// SegmentPath names the segment file for one instance of a run.
func SegmentPath(dir, runID string, instance int) string {
	return filepath.Join(dir, fmt.Sprintf("ringside-%s-%d.fbc", runID, instance))
}

// CreateSegment creates and initializes a segment file, replacing any stale
// file left by a previous run. A terminated instance's segment is never
// reused without going through here again.
func CreateSegment(path string, obsCap, actCap int) (*Segment, error) {
	if obsCap <= 0 || actCap <= 0 {
		return nil, fmt.Errorf("segment capacities must be positive: obs=%d act=%d", obsCap, actCap)
	}
	_ = os.Remove(path)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	size := segmentSize(obsCap, actCap)
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("size segment: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("map segment: %w", err)
	}

	seg := newSegment(path, file, data, obsCap, actCap)
	seg.creator = true
	binary.LittleEndian.PutUint64(data[offMagic:], segmentMagic)
	binary.LittleEndian.PutUint32(data[offVersion:], segmentVersion)
	binary.LittleEndian.PutUint32(data[offClosed:], 0)
	binary.LittleEndian.PutUint32(data[offObsCap:], uint32(obsCap))
	binary.LittleEndian.PutUint32(data[offActCap:], uint32(actCap))
	return seg, nil
}

// OpenSegment maps an existing segment created by another process.
func OpenSegment(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	if info.Size() < headerSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: segment too small (%d bytes)", ErrCorruptBuffer, info.Size())
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("map segment: %w", err)
	}
	if got := binary.LittleEndian.Uint64(data[offMagic:]); got != segmentMagic {
		_ = unix.Munmap(data)
		_ = file.Close()
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptBuffer, got)
	}
	if got := binary.LittleEndian.Uint32(data[offVersion:]); got != segmentVersion {
		_ = unix.Munmap(data)
		_ = file.Close()
		return nil, fmt.Errorf("%w: unsupported layout version %d", ErrCorruptBuffer, got)
	}
	obsCap := int(binary.LittleEndian.Uint32(data[offObsCap:]))
	actCap := int(binary.LittleEndian.Uint32(data[offActCap:]))
	if segmentSize(obsCap, actCap) > len(data) {
		_ = unix.Munmap(data)
		_ = file.Close()
		return nil, fmt.Errorf("%w: capacities exceed mapping", ErrCorruptBuffer)
	}
	return newSegment(path, file, data, obsCap, actCap), nil
}

func newSegment(path string, file *os.File, data []byte, obsCap, actCap int) *Segment {
	obsOff := headerSize
	actOff := obsOff + slotHeaderSize + align8(obsCap)
	return &Segment{
		path:   path,
		file:   file,
		data:   data,
		obsCap: obsCap,
		actCap: actCap,
		obsOff: obsOff,
		actOff: actOff,
	}
}

func (s *Segment) Path() string { return s.path }

// Close unmaps the segment; the creator also unlinks the backing file.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if s.creator {
		if rerr := os.Remove(s.path); err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}

package transform

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PlayerState is the decoded per-player portion of a raw frame.
type PlayerState struct {
	X           float32
	Y           float32
	Percent     float32
	Stock       uint8
	Facing      int8
	ActionState uint16
}

// GameFrame is the reference raw-state layout published by consoles that
// speak the fox-v0 codec: frame index, both players, and an echo of the
// ego controller applied on the previous frame.
type GameFrame struct {
	Index       uint64
	P1          PlayerState
	P2          PlayerState
	EgoMainX    uint8
	EgoMainY    uint8
	EgoButtons  uint16
	EgoCStickX  uint8
	EgoCStickY  uint8
}

const playerStateSize = 16

// FramePayloadSize is the encoded size of a GameFrame payload.
const FramePayloadSize = 8 + 2*playerStateSize + 6

func putPlayer(dst []byte, p PlayerState) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(p.Percent))
	dst[12] = p.Stock
	dst[13] = byte(p.Facing)
	binary.LittleEndian.PutUint16(dst[14:], p.ActionState)
}

func getPlayer(src []byte) PlayerState {
	return PlayerState{
		X:           math.Float32frombits(binary.LittleEndian.Uint32(src[0:])),
		Y:           math.Float32frombits(binary.LittleEndian.Uint32(src[4:])),
		Percent:     math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		Stock:       src[12],
		Facing:      int8(src[13]),
		ActionState: binary.LittleEndian.Uint16(src[14:]),
	}
}

// EncodeGameFrame writes fr into dst, which must hold FramePayloadSize
// bytes, and returns the encoded slice.
func EncodeGameFrame(fr GameFrame, dst []byte) ([]byte, error) {
	if len(dst) < FramePayloadSize {
		return nil, fmt.Errorf("frame buffer too small: %d < %d", len(dst), FramePayloadSize)
	}
	binary.LittleEndian.PutUint64(dst[0:], fr.Index)
	putPlayer(dst[8:], fr.P1)
	putPlayer(dst[8+playerStateSize:], fr.P2)
	ctrl := dst[8+2*playerStateSize:]
	ctrl[0] = fr.EgoMainX
	ctrl[1] = fr.EgoMainY
	ctrl[2] = fr.EgoCStickX
	ctrl[3] = fr.EgoCStickY
	binary.LittleEndian.PutUint16(ctrl[4:], fr.EgoButtons)
	return dst[:FramePayloadSize], nil
}

// DecodeGameFrame parses a payload produced by EncodeGameFrame.
func DecodeGameFrame(src []byte) (GameFrame, error) {
	if len(src) < FramePayloadSize {
		return GameFrame{}, fmt.Errorf("frame payload truncated: %d < %d", len(src), FramePayloadSize)
	}
	ctrl := src[8+2*playerStateSize:]
	return GameFrame{
		Index:      binary.LittleEndian.Uint64(src[0:]),
		P1:         getPlayer(src[8:]),
		P2:         getPlayer(src[8+playerStateSize:]),
		EgoMainX:   ctrl[0],
		EgoMainY:   ctrl[1],
		EgoCStickX: ctrl[2],
		EgoCStickY: ctrl[3],
		EgoButtons: binary.LittleEndian.Uint16(ctrl[4:]),
	}, nil
}

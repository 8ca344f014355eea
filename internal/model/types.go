package model

import (
	"encoding/binary"
	"fmt"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// InstanceID identifies one emulator instance under harness control.
type InstanceID int

// Liveness is the lifecycle state of an instance.
type Liveness int32

const (
	Live Liveness = iota
	Stalled
	Terminated
)

func (l Liveness) String() string {
	switch l {
	case Live:
		return "live"
	case Stalled:
		return "stalled"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("liveness(%d)", int32(l))
	}
}

// Observation is one frame of raw game state as published by an emulator
// driver. The payload layout is owned by the preprocessing transform; the
// harness only moves it around.
type Observation struct {
	Instance InstanceID
	Frame    uint64
	Payload  []byte
}

// Button bits in Action.Buttons.
const (
	ButtonA uint16 = 1 << iota
	ButtonB
	ButtonX
	ButtonZ
	ButtonL
	ButtonStart
)

// Action is a discretized controller command for one frame. Frame records
// the observation the action was computed from; drivers refuse to apply an
// action whose frame does not match.
type Action struct {
	Frame   uint64
	MainX   uint8
	MainY   uint8
	CStickX uint8
	CStickY uint8
	Buttons uint16
}

// NeutralAction is the no-op command substituted when an action misses its
// frame deadline: sticks centered, no buttons.
func NeutralAction(frame uint64) Action {
	return Action{Frame: frame, MainX: 128, MainY: 128, CStickX: 128, CStickY: 128}
}

// ActionPayloadSize is the encoded size of an Action payload. The frame
// index travels in the slot header, not the payload.
const ActionPayloadSize = 6

// EncodeActionPayload writes the controller portion of an action into dst,
// which must hold at least ActionPayloadSize bytes.
func EncodeActionPayload(a Action, dst []byte) ([]byte, error) {
	if len(dst) < ActionPayloadSize {
		return nil, fmt.Errorf("action payload buffer too small: %d", len(dst))
	}
	dst[0] = a.MainX
	dst[1] = a.MainY
	dst[2] = a.CStickX
	dst[3] = a.CStickY
	binary.LittleEndian.PutUint16(dst[4:6], a.Buttons)
	return dst[:ActionPayloadSize], nil
}

// DecodeActionPayload reads a controller payload produced by
// EncodeActionPayload. The caller supplies the frame index from the slot.
func DecodeActionPayload(frame uint64, src []byte) (Action, error) {
	if len(src) < ActionPayloadSize {
		return Action{}, fmt.Errorf("action payload truncated: %d bytes", len(src))
	}
	return Action{
		Frame:   frame,
		MainX:   src[0],
		MainY:   src[1],
		CStickX: src[2],
		CStickY: src[3],
		Buttons: binary.LittleEndian.Uint16(src[4:6]),
	}, nil
}

// EpisodeStats accumulates per-episode outcomes from the ego player's view.
type EpisodeStats struct {
	DamageDealt    float64 `json:"damage_dealt"`
	DamageReceived float64 `json:"damage_received"`
	StocksTaken    int     `json:"stocks_taken"`
	StocksLost     int     `json:"stocks_lost"`
	Frames         int     `json:"frames"`
	Episodes       int     `json:"episodes"`
}

// EpisodeRecord is the persisted outcome of one instance's episode.
type EpisodeRecord struct {
	VersionedRecord
	ID           string       `json:"id"`
	RunID        string       `json:"run_id"`
	Instance     InstanceID   `json:"instance"`
	StartedAtUTC string       `json:"started_at_utc"`
	Frames       uint64       `json:"frames"`
	Stalls       int          `json:"stalls"`
	Terminated   bool         `json:"terminated"`
	TerminateErr string       `json:"terminate_err,omitempty"`
	Stats        EpisodeStats `json:"stats"`
}

// RunRecord summarizes one evaluation run across all instances.
type RunRecord struct {
	VersionedRecord
	ID           string       `json:"id"`
	StartedAtUTC string       `json:"started_at_utc"`
	Instances    int          `json:"instances"`
	TickBudgetMS float64      `json:"tick_budget_ms"`
	Seed         int64        `json:"seed"`
	Ticks        uint64       `json:"ticks"`
	Overruns     uint64       `json:"overruns"`
	Stats        EpisodeStats `json:"stats"`
}

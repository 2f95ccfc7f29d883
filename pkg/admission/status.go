package admission

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrUnknownMode is returned when parsing an unknown mode name
var ErrUnknownMode = errors.New("unknown admission mode")

// Phase is one of the two submission phases of a chunk
type Phase string

const (
	// PhaseProcessing covers submissions for processing
	PhaseProcessing Phase = "processing"
	// PhaseDelivering covers submissions for delivery
	PhaseDelivering Phase = "delivering"
)

// Phases lists both phases in lifecycle order
var Phases = []Phase{PhaseProcessing, PhaseDelivering} //nolint:gochecknoglobals // read-only lookup table

// Mode is the submission mode of a sink phase
type Mode int32

const (
	// ModeDirect submits each chunk as soon as it becomes ready
	ModeDirect Mode = iota
	// ModeBulk leaves ready chunks to the periodic sweep
	ModeBulk
	// ModeTransitionToDirect drains the remaining ready chunks before going direct again
	ModeTransitionToDirect
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "DIRECT"
	case ModeBulk:
		return "BULK"
	case ModeTransitionToDirect:
		return "TRANSITION_TO_DIRECT"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}

	*m = parsed

	return nil
}

// ParseMode parses a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DIRECT":
		return ModeDirect, nil
	case "BULK":
		return ModeBulk, nil
	case "TRANSITION_TO_DIRECT", "TRANSITION":
		return ModeTransitionToDirect, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// counterFloor is the lowest value a queued counter can reach. Duplicate done
// signals may push it below zero; admission treats negatives as zero.
const counterFloor = -1

// PhaseStatus is the admission state of one phase of a sink
type PhaseStatus struct {
	mode   atomic.Int32
	queued atomic.Int64
}

// Mode returns the current mode
func (p *PhaseStatus) Mode() Mode {
	return Mode(p.mode.Load())
}

// Queued returns the raw queued counter
func (p *PhaseStatus) Queued() int64 {
	return p.queued.Load()
}

func (p *PhaseStatus) effectiveQueued() int64 {
	return max(p.queued.Load(), 0)
}

// switchMode moves from one mode to another and reports whether it did
func (p *PhaseStatus) switchMode(from, to Mode) bool {
	return p.mode.CompareAndSwap(int32(from), int32(to))
}

// incrementBelow adds one if the effective count is below limit
func (p *PhaseStatus) incrementBelow(limit int64) bool {
	for {
		current := p.queued.Load()

		next := max(current, 0) + 1
		if next > limit {
			return false
		}

		if p.queued.CompareAndSwap(current, next) {
			return true
		}
	}
}

func (p *PhaseStatus) increment() int64 {
	for {
		current := p.queued.Load()
		next := max(current, 0) + 1

		if p.queued.CompareAndSwap(current, next) {
			return next
		}
	}
}

func (p *PhaseStatus) decrement() int64 {
	for {
		current := p.queued.Load()
		next := max(current-1, counterFloor)

		if p.queued.CompareAndSwap(current, next) {
			return next
		}
	}
}

// SinkStatus is the admission state of a sink
type SinkStatus struct {
	SinkID     int64
	Processing PhaseStatus
	Delivering PhaseStatus
}

// Phase returns the status of one phase
func (s *SinkStatus) Phase(phase Phase) *PhaseStatus {
	if phase == PhaseDelivering {
		return &s.Delivering
	}

	return &s.Processing
}

// PhaseSnapshot is a point-in-time copy of a phase status
type PhaseSnapshot struct {
	Mode   Mode  `json:"mode"`
	Queued int64 `json:"queued"`
}

// SinkSnapshot is a point-in-time copy of a sink status
type SinkSnapshot struct {
	SinkID     int64         `json:"sinkId"`
	Processing PhaseSnapshot `json:"processing"`
	Delivering PhaseSnapshot `json:"delivering"`
}

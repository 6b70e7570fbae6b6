package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// State is the lifecycle position of a session.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateConverting   State = "converting"
	StateTranscribing State = "transcribing"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Live reports whether a stage is running.
func (s State) Live() bool {
	return s == StateRecording || s == StateConverting || s == StateTranscribing
}

var transitions = map[State][]State{
	StateIdle:         {StateRecording, StateConverting},
	StateRecording:    {StateConverting, StateCancelled, StateFailed},
	StateConverting:   {StateTranscribing, StateCancelled, StateFailed},
	StateTranscribing: {StateCompleted, StateCancelled, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stage names the span and histogram label of a live state.
func (s State) stage() string {
	switch s {
	case StateRecording:
		return "capture"
	case StateConverting:
		return "convert"
	case StateTranscribing:
		return "transcribe"
	default:
		return ""
	}
}

// phase values mirror State for lock-free reads.
const (
	phaseIdle int32 = iota
	phaseRecording
	phaseConverting
	phaseTranscribing
	phaseTerminal
)

func (s State) phase() int32 {
	switch s {
	case StateRecording:
		return phaseRecording
	case StateConverting:
		return phaseConverting
	case StateTranscribing:
		return phaseTranscribing
	case StateIdle:
		return phaseIdle
	default:
		return phaseTerminal
	}
}

// Snapshot is a point-in-time copy of the orchestrator's session.
type Snapshot struct {
	SessionID     string        `json:"session_id,omitempty"`
	State         State         `json:"state"`
	Level         float64       `json:"level"`
	Segments      []stt.Segment `json:"segments"`
	Text          string        `json:"text"`
	ErrorKind     failure.Kind  `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	RawPath       string        `json:"raw_path,omitempty"`
	CanonicalPath string        `json:"canonical_path,omitempty"`
	ModelID       string        `json:"model_id,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at,omitempty"`
}

var idleSnapshot = &Snapshot{State: StateIdle, Segments: []stt.Segment{}}

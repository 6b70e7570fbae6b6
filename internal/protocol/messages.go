package protocol

import "time"

// Segment is a transcript segment as carried on the wire.
type Segment struct {
	Index   int    `json:"index"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// PipelineEvent is published for every observable pipeline change.
type PipelineEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state,omitempty"`
	Level     float64   `json:"level,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
	Text      string    `json:"text,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is a request received on a command subject.
type Command struct {
	ModelID string `json:"model_id,omitempty"`
	Path    string `json:"path,omitempty"`
}

// CommandReply answers a Command.
type CommandReply struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

const (
	EventState        = "state"
	EventAmplitude    = "amplitude"
	EventSegments     = "segments"
	EventSegmentError = "segment_error"
	EventCompleted    = "completed"
	EventFailed       = "failed"
)

const (
	SubjectEventPrefix = "scribe.event"

	SubjectCmdBegin      = "scribe.cmd.begin"
	SubjectCmdEnd        = "scribe.cmd.end"
	SubjectCmdCancel     = "scribe.cmd.cancel"
	SubjectCmdDiscard    = "scribe.cmd.discard"
	SubjectCmdState      = "scribe.cmd.state"
	SubjectCmdModels     = "scribe.cmd.models"
	SubjectCmdLoad       = "scribe.cmd.load"
	SubjectCmdRelease    = "scribe.cmd.release"
	SubjectCmdTranscribe = "scribe.cmd.transcribe"
)

// EventSubject returns the subject an event of the given type is published on.
func EventSubject(eventType string) string {
	return SubjectEventPrefix + "." + eventType
}

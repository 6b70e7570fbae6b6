// Package failure defines the error kinds surfaced by the scribe pipeline.
//
// Each kind is a sentinel error. Causes are attached with Wrap so that
// errors.Is matches both the kind and the underlying cause.
package failure

import (
	"errors"
	"fmt"
)

// Kind names a class of pipeline failure as rendered to collaborators.
type Kind string

const (
	KindNone                Kind = ""
	KindCaptureUnavailable  Kind = "CaptureUnavailable"
	KindCaptureEmpty        Kind = "CaptureEmpty"
	KindConversionFailed    Kind = "ConversionFailed"
	KindModelNotLoaded      Kind = "ModelNotLoaded"
	KindModelLoad           Kind = "ModelLoadError"
	KindUnknownModel        Kind = "UnknownModel"
	KindEngineBusy          Kind = "EngineBusy"
	KindSessionBusy         Kind = "SessionBusy"
	KindSegmentOrdering     Kind = "SegmentOrderingError"
	KindTranscriptionFailed Kind = "TranscriptionFailed"
	KindInvalidState        Kind = "InvalidState"
	KindUnknownArtifact     Kind = "UnknownArtifact"
	KindInternal            Kind = "Internal"
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newKind(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	ErrCaptureUnavailable  = newKind(KindCaptureUnavailable, "capture unavailable")
	ErrCaptureEmpty        = newKind(KindCaptureEmpty, "capture produced no audio")
	ErrConversionFailed    = newKind(KindConversionFailed, "conversion failed")
	ErrModelNotLoaded      = newKind(KindModelNotLoaded, "no model loaded")
	ErrModelLoad           = newKind(KindModelLoad, "model load failed")
	ErrUnknownModel        = newKind(KindUnknownModel, "unknown model")
	ErrEngineBusy          = newKind(KindEngineBusy, "engine busy with an in-flight transcription")
	ErrSessionBusy         = newKind(KindSessionBusy, "another session is still live")
	ErrSegmentOrdering     = newKind(KindSegmentOrdering, "segment batch out of order")
	ErrTranscriptionFailed = newKind(KindTranscriptionFailed, "transcription failed")
	ErrInvalidState        = newKind(KindInvalidState, "operation not valid in current state")
	ErrUnknownArtifact     = newKind(KindUnknownArtifact, "unknown artifact")
)

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.kind.Error(), w.cause.Error())
}

func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }

// Wrap attaches cause under kind. A nil cause returns kind unchanged.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}

// KindOf reports the kind carried by err, KindInternal for foreign errors
// and KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Segment is one timestamped span of recognized text. Index is the
// position of the segment within its transcription, starting at 0.
type Segment struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Request describes one transcription of a canonical waveform file.
type Request struct {
	Path     string
	Language string
	// OnSegments receives partial batches in emission order. It may be nil.
	OnSegments func([]Segment)
}

// Job is a running transcription.
type Job interface {
	// Stop asks the engine to abandon the job. It is best-effort and safe
	// to call repeatedly or after the job has finished.
	Stop()
	// Done is closed once Wait would return without blocking.
	Done() <-chan struct{}
	// Wait blocks until the engine finishes and returns the full result.
	Wait() ([]Segment, error)
}

// Recognizer is a loaded model able to transcribe canonical waveforms.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Job, error)
	Close() error
}

// Loader initializes recognizers from model files.
type Loader interface {
	Load(ctx context.Context, modelPath string) (Recognizer, error)
}

// NewLoader builds the loader selected by cfg.Mode.
func NewLoader(cfg config.EngineConfig, log *slog.Logger) (Loader, error) {
	switch cfg.Mode {
	case "", "mock":
		return &MockLoader{}, nil
	case "exec":
		return NewExecLoader(cfg, log)
	case "whisper":
		return newWhisperLoader(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// Text joins segment texts with single spaces.
func Text(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// job is the Job implementation shared by the backends.
type job struct {
	stop     func()
	done     chan struct{}
	segments []Segment
	err      error
}

func newJob(stop func()) *job {
	return &job{stop: stop, done: make(chan struct{})}
}

func (j *job) finish(segments []Segment, err error) {
	j.segments = segments
	j.err = err
	close(j.done)
}

func (j *job) Stop() { j.stop() }

func (j *job) Done() <-chan struct{} { return j.done }

func (j *job) Wait() ([]Segment, error) {
	<-j.done
	return j.segments, j.err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

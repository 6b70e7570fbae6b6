// Package pipeline drives a dictation session through capture, conversion
// and transcription.
//
// One session exists at a time. All transitions happen under a single
// mutex; every callback carries the id of the session it was started for
// and is discarded once that session is no longer current. Amplitude
// samples bypass the mutex entirely.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcode"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/pipeline"

// DefaultCancelTimeout bounds how long Cancel waits for a stage to stop.
const DefaultCancelTimeout = 3 * time.Second

// Options wires the orchestrator's collaborators.
type Options struct {
	Capture    capture.Capture
	Transcoder transcode.Transcoder
	Models     *models.Registry
	Artifacts  *artifacts.Store

	Language string

	CancelTimeout        time.Duration
	ConversionTimeout    time.Duration
	TranscriptionTimeout time.Duration

	// CleanupOnDiscard removes a session's files when it is discarded or
	// replaced. Files of failed sessions are always kept.
	CleanupOnDiscard bool

	Sinks []Sink
	NewID func() string
}

type session struct {
	id    string
	state State
	phase atomic.Int32
	level atomic.Uint64

	rawPath       string
	canonicalPath string
	modelID       string
	segments      []stt.Segment
	err           error

	handle capture.Handle
	// stop interrupts the running convert or transcribe stage; ack is
	// closed when that stage has returned.
	stop func()
	ack  chan struct{}

	span       trace.Span
	stageStart time.Time
	startedAt  time.Time
	updatedAt  time.Time
}

func (s *session) levelValue() float64 {
	return math.Float64frombits(s.level.Load())
}

// Orchestrator owns the current session.
type Orchestrator struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sess   *session
	closed bool

	current atomic.Pointer[session]
	snap    atomic.Pointer[Snapshot]

	events  *dispatcher
	wg      sync.WaitGroup
	tracer  trace.Tracer
	metrics *pipelineMetrics
	now     func() time.Time
}

// New validates opts and returns an idle orchestrator. Cancelling parent
// interrupts any running stage.
func New(parent context.Context, opts Options, log *slog.Logger) (*Orchestrator, error) {
	if opts.Capture == nil || opts.Transcoder == nil || opts.Models == nil || opts.Artifacts == nil {
		return nil, errors.New("pipeline: capture, transcoder, models and artifacts are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log = log.With(slog.String("component", "pipeline"))
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		opts:    opts,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		events:  newDispatcher(log, opts.Sinks...),
		tracer:  otel.Tracer(instrumentationName),
		metrics: newPipelineMetrics(otel.Meter(instrumentationName), log),
		now:     time.Now,
	}
	o.snap.Store(idleSnapshot)
	return o, nil
}

// Subscribe adds a sink for subsequent events.
func (o *Orchestrator) Subscribe(s Sink) {
	o.events.subscribe(s)
}

// State returns the current snapshot without waiting on the session lock.
func (o *Orchestrator) State() Snapshot {
	snap := *o.snap.Load()
	if s := o.current.Load(); s != nil && s.id == snap.SessionID && snap.State == StateRecording {
		snap.Level = s.levelValue()
	}
	return snap
}

// BeginRecording starts a new session and opens the capture device. A
// finished session still on display is replaced.
func (o *Orchestrator) BeginRecording() (Snapshot, error) {
	s, prev, err := o.reserve()
	if err != nil {
		return o.State(), err
	}
	o.discardArtifacts(prev, "")

	raw := o.opts.Artifacts.RawPath(s.id)
	handle, err := o.opts.Capture.Start(capture.Options{
		Path:    raw,
		OnLevel: func(level float64) { o.OnAmplitudeSample(s.id, level) },
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s || o.closed {
		if handle != nil {
			o.stopHandle(handle)
		}
		if o.sess == s {
			o.clearLocked()
		}
		return o.State(), failure.Wrapf(failure.ErrInvalidState, "session %s abandoned while starting capture", s.id)
	}
	if err != nil {
		if !errors.Is(err, failure.ErrCaptureUnavailable) {
			err = failure.Wrap(failure.ErrCaptureUnavailable, err)
		}
		o.log.Warn("capture did not start", slog.String("session_id", s.id), slogError(err))
		o.emit(protocol.PipelineEvent{
			Type:      protocol.EventFailed,
			SessionID: s.id,
			State:     string(StateIdle),
			ErrorKind: string(failure.KindOf(err)),
			Error:     err.Error(),
		})
		o.clearLocked()
		return o.State(), err
	}
	s.rawPath = raw
	s.handle = handle
	o.transitionLocked(s, StateRecording)
	return o.State(), nil
}

// reserve installs a fresh Idle session, returning the terminal session it
// replaced.
func (o *Orchestrator) reserve() (*session, *session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, failure.Wrapf(failure.ErrInvalidState, "orchestrator closed")
	}
	if cur := o.sess; cur != nil && !cur.state.Terminal() {
		return nil, nil, failure.Wrapf(failure.ErrSessionBusy, "session %s is %s", cur.id, cur.state)
	}
	prev := o.sess
	now := o.now()
	s := &session{id: o.opts.NewID(), state: StateIdle, startedAt: now, updatedAt: now}
	o.sess = s
	o.current.Store(s)
	o.publishLocked(s)
	return s, prev, nil
}

func (o *Orchestrator) clearLocked() {
	o.sess = nil
	o.current.Store(nil)
	o.snap.Store(idleSnapshot)
}

// OnAmplitudeSample records a level reading for the session with the given
// id. It never blocks and reports whether the sample was accepted.
func (o *Orchestrator) OnAmplitudeSample(sessionID string, level float64) bool {
	s := o.current.Load()
	if s == nil || s.id != sessionID || s.phase.Load() != phaseRecording {
		return false
	}
	switch {
	case math.IsNaN(level) || level < 0:
		level = 0
	case level > 1:
		level = 1
	}
	s.level.Store(math.Float64bits(level))
	o.emit(protocol.PipelineEvent{Type: protocol.EventAmplitude, SessionID: sessionID, Level: level})
	return true
}

// EndRecording stops capture and hands the recording to conversion.
func (o *Orchestrator) EndRecording() (Snapshot, error) {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.state != StateRecording {
		o.mu.Unlock()
		return o.State(), failure.Wrapf(failure.ErrInvalidState, "end recording while %s", stateOf(s))
	}
	handle := s.handle
	s.handle = nil
	o.transitionLocked(s, StateConverting)
	o.mu.Unlock()

	path, err := handle.Stop()
	o.captureStopped(s, path, err)
	return o.State(), nil
}

func (o *Orchestrator) captureStopped(s *session, path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s || s.state != StateConverting {
		o.log.Debug("discarding stale capture result", slog.String("session_id", s.id))
		return
	}
	if err == nil && path == "" {
		err = failure.ErrCaptureEmpty
	}
	if err != nil {
		if !errors.Is(err, failure.ErrCaptureEmpty) {
			err = failure.Wrap(failure.ErrCaptureEmpty, err)
		}
		o.failLocked(s, err)
		return
	}
	s.rawPath = path
	o.startConversionLocked(s)
}

func (o *Orchestrator) stageContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(o.ctx, timeout)
	}
	return context.WithCancel(o.ctx)
}

func (o *Orchestrator) startConversionLocked(s *session) {
	ctx, cancel := o.stageContext(o.opts.ConversionTimeout)
	ack := make(chan struct{})
	s.stop = cancel
	s.ack = ack
	src := s.rawPath

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out, err := o.opts.Transcoder.Convert(ctx, src)
		cancel()
		close(ack)
		o.converted(s, out, err)
	}()
}

func (o *Orchestrator) converted(s *session, out string, err error) {
	o.mu.Lock()
	if o.sess != s || s.state != StateConverting {
		o.mu.Unlock()
		o.log.Debug("discarding stale conversion result", slog.String("session_id", s.id))
		return
	}
	s.stop, s.ack = nil, nil
	if err != nil {
		if !errors.Is(err, failure.ErrConversionFailed) {
			err = failure.Wrap(failure.ErrConversionFailed, err)
		}
		o.failLocked(s, err)
		o.mu.Unlock()
		return
	}
	s.canonicalPath = out

	lease, err := o.opts.Models.Acquire()
	if err != nil {
		o.failLocked(s, err)
		o.mu.Unlock()
		return
	}
	s.modelID = lease.ModelID()
	o.transitionLocked(s, StateTranscribing)
	ctx, cancel := o.stageContext(o.opts.TranscriptionTimeout)
	ack := make(chan struct{})
	s.stop = cancel
	s.ack = ack
	id := s.id
	o.mu.Unlock()

	job, err := lease.Recognizer().Transcribe(ctx, stt.Request{
		Path:       out,
		Language:   o.opts.Language,
		OnSegments: func(batch []stt.Segment) { _ = o.OnSegments(id, batch) },
	})
	if err != nil {
		cancel()
		lease.Release()
		close(ack)
		_ = o.OnComplete(id, nil, err)
		return
	}

	o.mu.Lock()
	stale := o.sess != s || s.state != StateTranscribing
	if !stale {
		s.stop = func() {
			job.Stop()
			cancel()
		}
	}
	o.mu.Unlock()
	if stale {
		job.Stop()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		segments, err := job.Wait()
		cancel()
		lease.Release()
		close(ack)
		_ = o.OnComplete(id, segments, err)
	}()
}

// OnSegments appends a partial batch to the transcript of the session with
// the given id. A batch whose indices do not continue the transcript
// exactly is dropped and reported; the session carries on.
func (o *Orchestrator) OnSegments(sessionID string, batch []stt.Segment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.id != sessionID || s.state != StateTranscribing {
		return failure.Wrapf(failure.ErrInvalidState, "segments for session %s while %s", sessionID, stateOf(s))
	}
	if len(batch) == 0 {
		return nil
	}
	next := len(s.segments)
	for i, seg := range batch {
		if seg.Index == next+i {
			continue
		}
		err := failure.Wrapf(failure.ErrSegmentOrdering, "expected index %d, got %d", next+i, seg.Index)
		o.metrics.recordDropped()
		o.log.Warn("dropping segment batch",
			slog.String("session_id", s.id),
			slog.Int("batch_size", len(batch)),
			slogError(err),
		)
		o.emit(protocol.PipelineEvent{
			Type:      protocol.EventSegmentError,
			SessionID: s.id,
			State:     string(s.state),
			ErrorKind: string(failure.KindSegmentOrdering),
			Error:     err.Error(),
		})
		return err
	}
	s.segments = append(s.segments, batch...)
	s.updatedAt = o.now()
	o.publishLocked(s)
	o.emit(protocol.PipelineEvent{
		Type:      protocol.EventSegments,
		SessionID: s.id,
		State:     string(s.state),
		Segments:  wireSegments(batch),
		Text:      stt.Text(s.segments),
	})
	return nil
}

// OnComplete finishes transcription of the session with the given id. The
// final result replaces whatever partial transcript was accumulated.
func (o *Orchestrator) OnComplete(sessionID string, result []stt.Segment, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.id != sessionID || s.state != StateTranscribing {
		o.log.Debug("discarding stale transcription result", slog.String("session_id", sessionID))
		return failure.Wrapf(failure.ErrInvalidState, "completion for session %s while %s", sessionID, stateOf(s))
	}
	s.stop, s.ack = nil, nil
	if err != nil {
		if !errors.Is(err, failure.ErrTranscriptionFailed) {
			err = failure.Wrap(failure.ErrTranscriptionFailed, err)
		}
		o.failLocked(s, err)
		return nil
	}
	final := renumber(result)
	if !sameSegments(s.segments, final) {
		o.log.Debug("final transcript differs from partials",
			slog.String("session_id", s.id),
			slog.Int("partial_segments", len(s.segments)),
			slog.Int("final_segments", len(final)),
		)
	}
	s.segments = final
	if o.transitionLocked(s, StateCompleted) {
		o.emit(protocol.PipelineEvent{
			Type:      protocol.EventCompleted,
			SessionID: s.id,
			State:     string(s.state),
			Segments:  wireSegments(final),
			Text:      stt.Text(final),
		})
	}
	return nil
}

// Cancel abandons the live session. The state becomes Cancelled at once;
// Cancel then waits up to the cancel timeout for the stage to stop.
func (o *Orchestrator) Cancel(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	s := o.sess
	if s == nil || !s.state.Live() {
		o.mu.Unlock()
		return o.State(), failure.Wrapf(failure.ErrInvalidState, "cancel while %s", stateOf(s))
	}
	var (
		stop func()
		ack  chan struct{}
	)
	if s.state == StateRecording && s.handle != nil {
		handle := s.handle
		s.handle = nil
		done := make(chan struct{})
		ack = done
		stop = func() {
			defer close(done)
			if _, err := handle.Stop(); err != nil && !errors.Is(err, failure.ErrCaptureEmpty) {
				o.log.Warn("capture stop failed after cancel", slog.String("session_id", s.id), slogError(err))
			}
		}
	} else {
		stop, ack = s.stop, s.ack
	}
	s.stop, s.ack = nil, nil
	o.transitionLocked(s, StateCancelled)
	id := s.id
	o.mu.Unlock()

	if stop != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			stop()
		}()
	}
	if ack != nil {
		timer := time.NewTimer(o.opts.CancelTimeout)
		defer timer.Stop()
		select {
		case <-ack:
		case <-timer.C:
			o.log.Warn("stage did not acknowledge cancellation",
				slog.String("session_id", id),
				slog.Duration("timeout", o.opts.CancelTimeout),
			)
		case <-ctx.Done():
		}
	}
	return o.State(), nil
}

// Discard clears a finished session and returns the orchestrator to Idle.
func (o *Orchestrator) Discard() error {
	o.mu.Lock()
	s := o.sess
	if s == nil {
		o.mu.Unlock()
		return nil
	}
	if !s.state.Terminal() {
		o.mu.Unlock()
		return failure.Wrapf(failure.ErrSessionBusy, "session %s is %s", s.id, s.state)
	}
	o.clearLocked()
	o.mu.Unlock()
	o.discardArtifacts(s, "")
	return nil
}

// TranscribeArtifact runs an existing recording from the artifacts
// directory through conversion and transcription.
func (o *Orchestrator) TranscribeArtifact(name string) (Snapshot, error) {
	kind, _, ok := artifacts.Classify(name)
	if !ok || kind != artifacts.KindRaw || name != filepath.Base(name) {
		return o.State(), failure.Wrapf(failure.ErrUnknownArtifact, "%q is not a recording", name)
	}
	path := filepath.Join(o.opts.Artifacts.Dir(), name)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return o.State(), failure.Wrapf(failure.ErrUnknownArtifact, "%q not found", name)
	}

	s, prev, err := o.reserve()
	if err != nil {
		return o.State(), err
	}
	o.discardArtifacts(prev, path)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s {
		return o.State(), failure.Wrapf(failure.ErrInvalidState, "session %s abandoned", s.id)
	}
	s.rawPath = path
	o.transitionLocked(s, StateConverting)
	o.startConversionLocked(s)
	return o.State(), nil
}

// Close cancels any live session, waits for stages to return and flushes
// pending events.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := o.sess != nil && o.sess.state.Live()
	o.mu.Unlock()

	if live {
		if _, err := o.Cancel(ctx); err != nil && !errors.Is(err, failure.ErrInvalidState) {
			o.log.Warn("cancel on close failed", slogError(err))
		}
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("pipeline stages still running at close", slogError(ctx.Err()))
	}
	o.events.close()
	return nil
}

func (o *Orchestrator) stopHandle(h capture.Handle) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = h.Stop()
	}()
}

// discardArtifacts removes the files of a replaced or discarded session.
// keep is never removed.
func (o *Orchestrator) discardArtifacts(s *session, keep string) {
	if s == nil || !o.opts.CleanupOnDiscard || s.state == StateFailed {
		return
	}
	var paths []string
	for _, p := range []string{s.rawPath, s.canonicalPath} {
		if p != "" && p != keep {
			paths = append(paths, p)
		}
	}
	if err := artifacts.Remove(paths...); err != nil {
		o.log.Warn("failed to remove session artifacts", slog.String("session_id", s.id), slogError(err))
	}
}

func (o *Orchestrator) failLocked(s *session, err error) {
	s.err = err
	if !o.transitionLocked(s, StateFailed) {
		return
	}
	o.log.Warn("session failed",
		slog.String("session_id", s.id),
		slog.String("kind", string(failure.KindOf(err))),
		slogError(err),
	)
	o.emit(protocol.PipelineEvent{
		Type:      protocol.EventFailed,
		SessionID: s.id,
		State:     string(s.state),
		ErrorKind: string(failure.KindOf(err)),
		Error:     err.Error(),
		Text:      stt.Text(s.segments),
	})
}

func (o *Orchestrator) transitionLocked(s *session, to State) bool {
	from := s.state
	if !canTransition(from, to) {
		o.log.Error("rejected state transition",
			slog.String("session_id", s.id),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}
	now := o.now()
	if s.span != nil {
		s.span.SetAttributes(attribute.String("outcome", string(to)))
		if to == StateFailed && s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetStatus(codes.Error, string(failure.KindOf(s.err)))
		}
		s.span.End()
		s.span = nil
		o.metrics.recordStage(from.stage(), to, now.Sub(s.stageStart))
	}
	s.state = to
	s.phase.Store(to.phase())
	s.updatedAt = now
	if to.Live() {
		s.stageStart = now
		_, s.span = o.tracer.Start(o.ctx, "scribe."+to.stage(),
			trace.WithAttributes(attribute.String("session_id", s.id)))
	}
	if to.Terminal() {
		o.metrics.recordFinished(to)
	}
	o.publishLocked(s)
	o.log.Info("session state changed",
		slog.String("session_id", s.id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	o.emit(protocol.PipelineEvent{Type: protocol.EventState, SessionID: s.id, State: string(to)})
	return true
}

func (o *Orchestrator) publishLocked(s *session) {
	snap := &Snapshot{
		SessionID:     s.id,
		State:         s.state,
		Segments:      append([]stt.Segment{}, s.segments...),
		Text:          stt.Text(s.segments),
		RawPath:       s.rawPath,
		CanonicalPath: s.canonicalPath,
		ModelID:       s.modelID,
		StartedAt:     s.startedAt,
		UpdatedAt:     s.updatedAt,
	}
	if s.state == StateRecording {
		snap.Level = s.levelValue()
	}
	if s.err != nil {
		snap.ErrorKind = failure.KindOf(s.err)
		snap.Error = s.err.Error()
	}
	o.snap.Store(snap)
}

func (o *Orchestrator) emit(evt protocol.PipelineEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = o.now().UTC()
	}
	o.events.emit(evt)
}

func stateOf(s *session) State {
	if s == nil {
		return StateIdle
	}
	return s.state
}

func renumber(segments []stt.Segment) []stt.Segment {
	out := make([]stt.Segment, len(segments))
	for i, seg := range segments {
		seg.Index = i
		out[i] = seg
	}
	return out
}

func sameSegments(a, b []stt.Segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func wireSegments(segments []stt.Segment) []protocol.Segment {
	out := make([]protocol.Segment, len(segments))
	for i, seg := range segments {
		out[i] = protocol.Segment{
			Index:   seg.Index,
			StartMS: seg.Start.Milliseconds(),
			EndMS:   seg.End.Milliseconds(),
			Text:    seg.Text,
		}
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

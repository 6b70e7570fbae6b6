package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Publisher publishes JSON payloads on a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusSink forwards every event to scribe.event.<type>.
type BusSink struct {
	pub Publisher
	log *slog.Logger
}

func NewBusSink(pub Publisher, log *slog.Logger) *BusSink {
	return &BusSink{pub: pub, log: log}
}

func (b *BusSink) HandleEvent(evt protocol.PipelineEvent) {
	if err := b.pub.PublishJSON(protocol.EventSubject(evt.Type), evt); err != nil {
		b.log.Warn("failed to publish pipeline event", slog.String("event", evt.Type), slogError(err))
	}
}

// Recorder persists pipeline events.
type Recorder interface {
	RecordPipelineEvent(ctx context.Context, evt protocol.PipelineEvent) error
}

// StoreSink writes the session timeline, skipping amplitude samples.
type StoreSink struct {
	rec     Recorder
	log     *slog.Logger
	timeout time.Duration
}

func NewStoreSink(rec Recorder, log *slog.Logger) *StoreSink {
	return &StoreSink{rec: rec, log: log, timeout: 5 * time.Second}
}

func (s *StoreSink) HandleEvent(evt protocol.PipelineEvent) {
	if evt.Type == protocol.EventAmplitude {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.rec.RecordPipelineEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record pipeline event", slog.String("event", evt.Type), slog.String("session_id", evt.SessionID), slogError(err))
	}
}

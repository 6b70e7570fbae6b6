package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.RecordPipelineEvent(context.Background(), protocol.PipelineEvent{Type: protocol.EventState, SessionID: "s"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("ephemeral store kept sessions: %v %v", sessions, err)
	}
}

func TestRecordAndQueryTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	timeline := []protocol.PipelineEvent{
		{Type: protocol.EventState, SessionID: "s1", State: "recording", Timestamp: base},
		{Type: protocol.EventState, SessionID: "s1", State: "converting", Timestamp: base.Add(time.Second)},
		{Type: protocol.EventState, SessionID: "s1", State: "transcribing", Timestamp: base.Add(2 * time.Second)},
		{Type: protocol.EventSegments, SessionID: "s1", State: "transcribing", Text: "hello",
			Segments: []protocol.Segment{{Index: 0, EndMS: 900, Text: "hello"}}, Timestamp: base.Add(3 * time.Second)},
		{Type: protocol.EventState, SessionID: "s1", State: "completed", Timestamp: base.Add(4 * time.Second)},
		{Type: protocol.EventCompleted, SessionID: "s1", State: "completed", Text: "hello world", Timestamp: base.Add(4 * time.Second)},
	}
	for _, evt := range timeline {
		if err := es.RecordPipelineEvent(ctx, evt); err != nil {
			t.Fatalf("record %s: %v", evt.Type, err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(timeline) {
		t.Fatalf("expected %d events, got %d", len(timeline), len(events))
	}
	if events[3].Type != protocol.EventSegments || len(events[3].Payload.Segments) != 1 || events[3].Payload.Segments[0].EndMS != 900 {
		t.Fatalf("segments payload not preserved: %+v", events[3])
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.State != "completed" || got.Transcript != "hello world" {
		t.Fatalf("unexpected session summary %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.UpdatedAt.Equal(base.Add(4*time.Second)) {
		t.Fatalf("unexpected timestamps %+v", got)
	}
}

func TestRecordFailure(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	for _, evt := range []protocol.PipelineEvent{
		{Type: protocol.EventState, SessionID: "s2", State: "failed"},
		{Type: protocol.EventFailed, SessionID: "s2", State: "failed", ErrorKind: "ConversionFailed", Error: "conversion failed: bad header"},
	} {
		if err := es.RecordPipelineEvent(ctx, evt); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != "failed" || sessions[0].ErrorKind != "ConversionFailed" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := es.RecordPipelineEvent(ctx, protocol.PipelineEvent{Type: protocol.EventState, SessionID: "old-session", State: "completed", Timestamp: old}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"mid-session", "new-session"} {
		now = now.Add(time.Minute)
		if err := es.RecordPipelineEvent(ctx, protocol.PipelineEvent{Type: protocol.EventState, SessionID: id, State: "completed", Timestamp: now}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	es.clock = func() time.Time { return now }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("expected only new-session to survive, got %+v", sessions)
	}
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestDispatcherDoesNotBlockEmitters(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	slow := SinkFunc(func(evt protocol.PipelineEvent) {
		<-release
		mu.Lock()
		got = append(got, evt.SessionID)
		mu.Unlock()
	})
	d := newDispatcher(newLogger(), slow)

	done := make(chan struct{})
	go func() {
		for _, id := range []string{"a", "b", "c", "d"} {
			d.emit(protocol.PipelineEvent{Type: protocol.EventState, SessionID: id})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow sink")
	}

	close(release)
	d.close()
	if len(got) != 4 || got[0] != "a" || got[3] != "d" {
		t.Fatalf("expected ordered delivery of 4 events, got %v", got)
	}
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	var count int
	d := newDispatcher(newLogger(),
		SinkFunc(func(protocol.PipelineEvent) { panic("boom") }),
		SinkFunc(func(protocol.PipelineEvent) { count++ }),
	)
	d.emit(protocol.PipelineEvent{Type: protocol.EventState})
	d.emit(protocol.PipelineEvent{Type: protocol.EventState})
	d.close()
	if count != 2 {
		t.Fatalf("expected 2 deliveries to the healthy sink, got %d", count)
	}
	d.emit(protocol.PipelineEvent{Type: protocol.EventState})
	if count != 2 {
		t.Fatal("events emitted after close must be dropped")
	}
}

type publishCall struct {
	subject string
	payload any
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) PublishJSON(subject string, v any) error {
	p.calls = append(p.calls, publishCall{subject: subject, payload: v})
	return p.err
}

type fakeRecorder struct {
	events []protocol.PipelineEvent
}

func (r *fakeRecorder) RecordPipelineEvent(_ context.Context, evt protocol.PipelineEvent) error {
	r.events = append(r.events, evt)
	return nil
}

func TestBusSinkPublishesOnEventSubject(t *testing.T) {
	pub := &fakePublisher{err: errors.New("disconnected")}
	sink := NewBusSink(pub, newLogger())
	sink.HandleEvent(protocol.PipelineEvent{Type: protocol.EventSegments, SessionID: "s1"})
	if len(pub.calls) != 1 || pub.calls[0].subject != "scribe.event.segments" {
		t.Fatalf("unexpected publish calls %+v", pub.calls)
	}
}

func TestStoreSinkSkipsAmplitude(t *testing.T) {
	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, newLogger())
	sink.HandleEvent(protocol.PipelineEvent{Type: protocol.EventAmplitude, Level: 0.3})
	sink.HandleEvent(protocol.PipelineEvent{Type: protocol.EventCompleted, Text: "done"})
	if len(rec.events) != 1 || rec.events[0].Type != protocol.EventCompleted {
		t.Fatalf("unexpected recorded events %+v", rec.events)
	}
}

package stt

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// MockScript fixes the output of a mock recognizer.
type MockScript struct {
	Batches [][]Segment
	Final   []Segment
	Err     error
	// Delay is waited before each batch and before the final result.
	Delay time.Duration
}

// MockLoader loads recognizers that need no model file. Without a script
// they emit one placeholder segment per second of audio.
type MockLoader struct {
	Err    error
	Script *MockScript
}

func (l *MockLoader) Load(_ context.Context, modelPath string) (Recognizer, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	return &mockRecognizer{model: modelPath, script: l.Script}, nil
}

type mockRecognizer struct {
	model  string
	script *MockScript
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (Job, error) {
	script := m.script
	if script == nil {
		derived, err := deriveScript(req.Path)
		if err != nil {
			return nil, err
		}
		script = derived
	}

	ctx, cancel := context.WithCancel(ctx)
	j := newJob(cancel)
	go func() {
		defer cancel()
		for _, batch := range script.Batches {
			if err := sleepCtx(ctx, script.Delay); err != nil {
				j.finish(nil, err)
				return
			}
			if req.OnSegments != nil {
				req.OnSegments(append([]Segment(nil), batch...))
			}
		}
		if err := sleepCtx(ctx, script.Delay); err != nil {
			j.finish(nil, err)
			return
		}
		if script.Err != nil {
			j.finish(nil, script.Err)
			return
		}
		j.finish(append([]Segment(nil), script.Final...), nil)
	}()
	return j, nil
}

func (m *mockRecognizer) Close() error { return nil }

func deriveScript(path string) (*MockScript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	duration, err := dec.Duration()
	if err != nil {
		return nil, err
	}
	count := max(int(duration/time.Second), 1)
	script := &MockScript{}
	for i := 0; i < count; i++ {
		seg := Segment{
			Index: i,
			Start: time.Duration(i) * time.Second,
			End:   min(time.Duration(i+1)*time.Second, duration),
			Text:  fmt.Sprintf("[segment %d]", i),
		}
		script.Batches = append(script.Batches, []Segment{seg})
		script.Final = append(script.Final, seg)
	}
	return script, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

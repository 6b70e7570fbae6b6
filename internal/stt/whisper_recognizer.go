//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-audio/wav"
	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// whisperLoader loads ggml models through the whisper.cpp bindings.
type whisperLoader struct {
	cfg config.EngineConfig
	log *slog.Logger
}

func newWhisperLoader(cfg config.EngineConfig, log *slog.Logger) (Loader, error) {
	return &whisperLoader{cfg: cfg, log: log.With(slog.String("component", "engine-whisper"))}, nil
}

func (l *whisperLoader) Load(_ context.Context, modelPath string) (Recognizer, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, err
	}
	l.log.Info("whisper model loaded", slog.String("path", modelPath))
	return &whisperRecognizer{model: model, threads: l.cfg.Threads, log: l.log}, nil
}

type whisperRecognizer struct {
	mu      sync.Mutex
	model   whisper.Model
	threads int
	log     *slog.Logger
}

func (w *whisperRecognizer) Transcribe(ctx context.Context, req Request) (Job, error) {
	samples, err := loadSamples(req.Path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	j := newJob(cancel)
	go func() {
		defer cancel()
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.model == nil {
			j.finish(nil, errors.New("whisper model released"))
			return
		}

		wctx, err := w.model.NewContext()
		if err != nil {
			j.finish(nil, err)
			return
		}
		wctx.SetTranslate(false)
		if w.threads > 0 {
			wctx.SetThreads(uint(w.threads))
		}
		if req.Language != "" {
			if err := wctx.SetLanguage(req.Language); err != nil {
				j.finish(nil, fmt.Errorf("set language %q: %w", req.Language, err))
				return
			}
		}

		var next atomic.Int64
		onSegment := func(s whisper.Segment) {
			if ctx.Err() != nil || req.OnSegments == nil {
				return
			}
			idx := int(next.Add(1) - 1)
			req.OnSegments([]Segment{{Index: idx, Start: s.Start, End: s.End, Text: s.Text}})
		}
		keepGoing := func() bool { return ctx.Err() == nil }

		if err := wctx.Process(samples, keepGoing, onSegment, nil); err != nil {
			j.finish(nil, err)
			return
		}
		if ctx.Err() != nil {
			j.finish(nil, ctx.Err())
			return
		}

		var result []Segment
		for {
			s, err := wctx.NextSegment()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				j.finish(nil, err)
				return
			}
			result = append(result, Segment{Index: len(result), Start: s.Start, End: s.End, Text: s.Text})
		}
		j.finish(result, nil)
	}()
	return j, nil
}

func (w *whisperRecognizer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}

// loadSamples reads a canonical waveform as float32 samples in [-1,1].
func loadSamples(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if dec.NumChans != 1 || dec.SampleRate != whisper.SampleRate {
		return nil, fmt.Errorf("%s is %d ch @ %d Hz, want mono @ %d Hz", path, dec.NumChans, dec.SampleRate, whisper.SampleRate)
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}

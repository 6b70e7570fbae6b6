//go:build linux

package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
)

// Pulse records mono audio from a PulseAudio (or PipeWire-pulse) source.
type Pulse struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func newPulse(cfg config.CaptureConfig, log *slog.Logger) (Capture, error) {
	return &Pulse{cfg: cfg, log: log.With(slog.String("component", "capture-pulse"))}, nil
}

func (p *Pulse) Start(opts Options) (Handle, error) {
	client, err := pulse.NewClient()
	if err != nil {
		return nil, failure.Wrap(failure.ErrCaptureUnavailable, fmt.Errorf("pulse: %w", err))
	}

	rec, err := newRecorder(opts.Path, p.cfg.SampleRate, 1, levelInterval(p.cfg), opts.OnLevel)
	if err != nil {
		client.Close()
		return nil, err
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if err := rec.WriteInt16(buf); err != nil {
			p.log.Warn("capture write failed", slogError(err))
		}
		return len(buf), nil
	})

	recordOpts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(p.cfg.SampleRate),
		pulse.RecordLatency(0.05),
	}
	if p.cfg.Device != "" {
		source, err := client.SourceByID(p.cfg.Device)
		if err != nil {
			p.log.Warn("pulse source not found, using default", slog.String("device", p.cfg.Device), slogError(err))
		} else if source != nil {
			recordOpts = append(recordOpts, pulse.RecordSource(source))
		}
	}

	stream, err := client.NewRecord(writer, recordOpts...)
	if err != nil {
		client.Close()
		_, _ = rec.Finish()
		return nil, failure.Wrap(failure.ErrCaptureUnavailable, fmt.Errorf("pulse record: %w", err))
	}
	stream.Start()

	return &pulseHandle{client: client, stream: stream, rec: rec}, nil
}

type pulseHandle struct {
	client *pulse.Client
	stream *pulse.RecordStream
	rec    *recorder
	once   sync.Once
	path   string
	err    error
}

func (h *pulseHandle) Stop() (string, error) {
	h.once.Do(func() {
		h.stream.Stop()
		h.stream.Close()
		h.client.Close()
		h.path, h.err = h.rec.Finish()
	})
	return h.path, h.err
}

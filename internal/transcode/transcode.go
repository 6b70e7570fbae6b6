package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
)

// Canonical waveform parameters expected by the inference engine.
const (
	SampleRate = 16000
	Channels   = 1
	BitDepth   = 16
)

// Transcoder normalizes a finished recording into the canonical waveform.
type Transcoder interface {
	// Convert writes the canonical file next to src and returns its path.
	// Failures are reported as failure.ErrConversionFailed.
	Convert(ctx context.Context, src string) (string, error)
}

func New(cfg config.TranscoderConfig, log *slog.Logger) (Transcoder, error) {
	switch cfg.Mode {
	case "", "native":
		return NewNative(log), nil
	case "exec":
		return NewExec(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported transcoder mode %q", cfg.Mode)
	}
}

// Format describes a PCM WAV file header.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f Format) Canonical() bool {
	return f.SampleRate == SampleRate && f.Channels == Channels && f.BitDepth == BitDepth
}

// Probe reads the WAV header of path.
func Probe(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.WavAudioFormat != 1 {
		return Format{}, fmt.Errorf("%s is not linear PCM (format %d)", path, dec.WavAudioFormat)
	}
	return Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}

func conversionFailed(format string, args ...any) error {
	return failure.Wrapf(failure.ErrConversionFailed, format, args...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

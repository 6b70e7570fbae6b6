package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Options configures one recording.
type Options struct {
	// Path is where the raw recording is written. Its extension selects
	// the container, one of Containers.
	Path string
	// OnLevel receives normalized input levels in [0,1]. It must not block.
	OnLevel func(level float64)
}

// Capture starts microphone recordings.
type Capture interface {
	// Start begins recording. Device or permission problems are reported
	// as failure.ErrCaptureUnavailable.
	Start(opts Options) (Handle, error)
}

// Handle controls a running recording.
type Handle interface {
	// Stop ends the recording and returns the finished file. A recording
	// with no audio frames returns failure.ErrCaptureEmpty. Stop is safe
	// to call more than once.
	Stop() (string, error)
}

// New builds the capture backend selected by cfg.Mode.
func New(cfg config.CaptureConfig, log *slog.Logger) (Capture, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(cfg), nil
	case "exec":
		return NewExec(cfg, log)
	case "pulse":
		return newPulse(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

func levelInterval(cfg config.CaptureConfig) time.Duration {
	if cfg.LevelIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(cfg.LevelIntervalMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

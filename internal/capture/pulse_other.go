//go:build !linux

package capture

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newPulse(config.CaptureConfig, *slog.Logger) (Capture, error) {
	return nil, errors.New("pulse capture is only available on linux")
}

//go:build !whisper

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newWhisperLoader(config.EngineConfig, *slog.Logger) (Loader, error) {
	return nil, errors.New("whisper engine requires building with -tags whisper")
}

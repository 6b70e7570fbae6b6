package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/mattn/go-shellwords"
)

// Exec records by running an external command that writes raw signed
// 16-bit little-endian PCM to stdout, for example
// `arecord -q -t raw -f S16_LE -r 44100 -c 1`.
type Exec struct {
	cmd []string
	cfg config.CaptureConfig
	log *slog.Logger
}

func NewExec(cfg config.CaptureConfig, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &Exec{cmd: args, cfg: cfg, log: log.With(slog.String("component", "capture-exec"))}, nil
}

func (e *Exec) Start(opts Options) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, failure.Wrap(failure.ErrCaptureUnavailable, err)
	}

	rec, err := newRecorder(opts.Path, e.cfg.SampleRate, max(e.cfg.Channels, 1), levelInterval(e.cfg), opts.OnLevel)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := command.Start(); err != nil {
		cancel()
		_, _ = rec.Finish()
		return nil, failure.Wrap(failure.ErrCaptureUnavailable, err)
	}

	h := &execHandle{rec: rec, cancel: cancel, cmd: command, stdout: stdout, done: make(chan struct{})}
	go h.pump(stdout, e.log)
	return h, nil
}

const drainTimeout = 2 * time.Second

type execHandle struct {
	rec    *recorder
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout io.Closer
	done   chan struct{}
	once   sync.Once
	path   string
	err    error
}

func (h *execHandle) pump(stdout io.Reader, log *slog.Logger) {
	defer close(h.done)
	buf := make([]byte, 8192)
	var carry []byte
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			if werr := h.rec.WritePCM(chunk[:even]); werr != nil {
				log.Warn("capture write failed", slogError(werr))
			}
			carry = append([]byte(nil), chunk[even:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Debug("capture stream closed", slogError(err))
			}
			return
		}
	}
}

func (h *execHandle) Stop() (string, error) {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(drainTimeout):
			// a child process may still hold the pipe open
			_ = h.stdout.Close()
			<-h.done
		}
		_ = h.cmd.Wait()
		h.path, h.err = h.rec.Finish()
	})
	return h.path, h.err
}

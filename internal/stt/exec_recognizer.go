package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecLoader runs an external recognizer once per transcription. The
// command is invoked with --audio, --model and --language and must print
// JSON lines on stdout:
//
//	{"segments":[{"index":0,"start_ms":0,"end_ms":900,"text":"hello"}]}
//	{"final":true,"segments":[...]}
//
// Lines without "final" are partial batches. When the process exits
// without a final line the partial segments become the result.
type ExecLoader struct {
	cmd []string
	cfg config.EngineConfig
	log *slog.Logger
}

func NewExecLoader(cfg config.EngineConfig, log *slog.Logger) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	return &ExecLoader{cmd: args, cfg: cfg, log: log.With(slog.String("component", "engine-exec"))}, nil
}

func (l *ExecLoader) Load(_ context.Context, modelPath string) (Recognizer, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("model path %s is a directory", modelPath)
	}
	return &execRecognizer{cmd: l.cmd, model: modelPath, log: l.log}, nil
}

type execRecognizer struct {
	cmd   []string
	model string
	log   *slog.Logger
	mu    sync.Mutex
}

type execSegment struct {
	Index   int    `json:"index"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type execLine struct {
	Final    bool          `json:"final"`
	Segments []execSegment `json:"segments"`
	Error    string        `json:"error,omitempty"`
}

// Transcribe runs the engine command once for req. Only one command runs per
// recognizer: Transcribe blocks until the process of a previous job, including
// a stopped one, has exited.
func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Job, error) {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", req.Path, "--model", r.model)
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}

	ctx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(ctx, r.cmd[0], args...)
	command.WaitDelay = 2 * time.Second
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr

	r.mu.Lock()
	if err := command.Start(); err != nil {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("start engine command: %w", err)
	}

	j := newJob(cancel)
	go func() {
		defer r.mu.Unlock()
		defer cancel()

		var partial, final []Segment
		var sawFinal bool
		var lineErr error
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg execLine
			if err := json.Unmarshal(line, &msg); err != nil {
				r.log.Warn("undecodable engine output", slogError(err))
				continue
			}
			if msg.Error != "" {
				lineErr = errors.New(msg.Error)
				continue
			}
			batch := convertSegments(msg.Segments)
			if msg.Final {
				final = batch
				sawFinal = true
				continue
			}
			partial = append(partial, batch...)
			if req.OnSegments != nil && len(batch) > 0 {
				req.OnSegments(batch)
			}
		}
		scanErr := scanner.Err()
		if scanErr != nil {
			if ctx.Err() == nil {
				r.log.Warn("engine output unreadable", slogError(scanErr))
				scanErr = fmt.Errorf("read engine output: %w", scanErr)
			} else {
				scanErr = nil
			}
			// The child may be blocked on a full pipe.
			cancel()
		}
		waitErr := command.Wait()

		switch {
		case scanErr != nil:
			j.finish(nil, scanErr)
		case ctx.Err() != nil:
			j.finish(nil, ctx.Err())
		case waitErr != nil:
			j.finish(nil, fmt.Errorf("engine command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String())))
		case lineErr != nil:
			j.finish(nil, lineErr)
		case sawFinal:
			j.finish(final, nil)
		default:
			j.finish(partial, nil)
		}
	}()
	return j, nil
}

func (r *execRecognizer) Close() error { return nil }

func convertSegments(in []execSegment) []Segment {
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		out = append(out, Segment{
			Index: s.Index,
			Start: time.Duration(s.StartMS) * time.Millisecond,
			End:   time.Duration(s.EndMS) * time.Millisecond,
			Text:  s.Text,
		})
	}
	return out
}

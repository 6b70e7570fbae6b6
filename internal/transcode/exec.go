package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// DefaultCommand is used when the exec transcoder has no command configured.
const DefaultCommand = "ffmpeg -y -loglevel error -i {input} -ar 16000 -ac 1 -c:a pcm_s16le {output}"

// Exec converts recordings by running an external tool such as ffmpeg.
// The command may reference {input} and {output}; when {output} is absent
// the output path is appended as the last argument.
type Exec struct {
	args []string
	log  *slog.Logger
}

func NewExec(cfg config.TranscoderConfig, log *slog.Logger) (*Exec, error) {
	command := cfg.Command
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcoder command is empty")
	}
	return &Exec{args: args, log: log.With(slog.String("component", "transcoder-exec"))}, nil
}

func (e *Exec) Convert(ctx context.Context, src string) (string, error) {
	dst := artifacts.ConvertedPath(src)
	args := expand(e.args, src, dst)

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		_ = os.Remove(dst)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", conversionFailed("%w", ctxErr)
		}
		return "", conversionFailed("transcoder command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	format, err := Probe(dst)
	if err != nil {
		return "", conversionFailed("probe output: %w", err)
	}
	if !format.Canonical() {
		_ = os.Remove(dst)
		return "", conversionFailed("output is %d Hz / %d ch / %d bit, want %d Hz / %d ch / %d bit",
			format.SampleRate, format.Channels, format.BitDepth, SampleRate, Channels, BitDepth)
	}
	e.log.Debug("converted recording", slog.String("src", filepath.Base(src)))
	return dst, nil
}

func expand(template []string, input, output string) []string {
	out := make([]string, 0, len(template)+1)
	sawOutput := false
	for _, arg := range template {
		if strings.Contains(arg, "{output}") {
			sawOutput = true
		}
		arg = strings.ReplaceAll(arg, "{input}", input)
		arg = strings.ReplaceAll(arg, "{output}", output)
		out = append(out, arg)
	}
	if !sawOutput {
		out = append(out, output)
	}
	return out
}

package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/mewkiz/flac"
)

// Native converts WAV and FLAC recordings in-process.
type Native struct {
	log *slog.Logger
}

func NewNative(log *slog.Logger) *Native {
	return &Native{log: log.With(slog.String("component", "transcoder-native"))}
}

// pcm holds decoded audio as interleaved floats in [-1,1].
type pcm struct {
	samples    []float64
	sampleRate int
	channels   int
}

func (n *Native) Convert(ctx context.Context, src string) (string, error) {
	container, err := sniff(src)
	if err != nil {
		return "", conversionFailed("read %s: %w", filepath.Base(src), err)
	}
	dst := artifacts.ConvertedPath(src)

	if container == containerWav {
		if ok, err := canonicalWav(src); err == nil && ok {
			if err := copyFile(dst, src); err != nil {
				_ = os.Remove(dst)
				return "", conversionFailed("copy %s: %w", filepath.Base(src), err)
			}
			n.log.Debug("recording already canonical", slog.String("src", filepath.Base(src)))
			return dst, nil
		}
	}

	var in pcm
	switch container {
	case containerWav:
		in, err = decodeWav(src)
	case containerFlac:
		in, err = decodeFlac(ctx, src)
	default:
		return "", conversionFailed("unsupported source format %q", filepath.Ext(src))
	}
	if err != nil {
		return "", conversionFailed("decode %s: %w", filepath.Base(src), err)
	}
	if len(in.samples) < in.channels || in.channels <= 0 || in.sampleRate <= 0 {
		return "", conversionFailed("decode %s: no audio", filepath.Base(src))
	}
	if err := ctx.Err(); err != nil {
		return "", conversionFailed("%w", err)
	}

	mono := downmix(in.samples, in.channels)
	out := resample(mono, in.sampleRate, SampleRate)

	if err := writeCanonical(dst, out); err != nil {
		_ = os.Remove(dst)
		return "", conversionFailed("encode %s: %w", filepath.Base(dst), err)
	}
	n.log.Debug("converted recording",
		slog.String("src", filepath.Base(src)),
		slog.Int("source_rate", in.sampleRate),
		slog.Int("source_channels", in.channels),
		slog.Int("frames", len(out)))
	return dst, nil
}

const (
	containerUnknown = ""
	containerWav     = "wav"
	containerFlac    = "flac"
)

// sniff identifies the container from the file signature; the extension
// is not trusted.
func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return containerUnknown, err
	}
	defer f.Close()
	var magic [12]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return containerUnknown, nil
		}
		return containerUnknown, err
	}
	switch {
	case n >= 12 && bytes.Equal(magic[0:4], []byte("RIFF")) && bytes.Equal(magic[8:12], []byte("WAVE")):
		return containerWav, nil
	case n >= 4 && bytes.Equal(magic[0:4], []byte("fLaC")):
		return containerFlac, nil
	}
	return containerUnknown, nil
}

// canonicalWav reports whether path is linear PCM in the canonical format
// with at least one frame of audio.
func canonicalWav(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() || dec.WavAudioFormat != 1 {
		return false, nil
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: int(dec.BitDepth)}
	if !format.Canonical() {
		return false, nil
	}
	if err := dec.FwdToPCM(); err != nil {
		return false, err
	}
	return dec.PCMLen() >= int64(BitDepth/8), nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decodeWav(path string) (pcm, error) {
	f, err := os.Open(path)
	if err != nil {
		return pcm{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return pcm{}, errors.New("invalid wav file")
	}
	if dec.WavAudioFormat != 1 {
		return pcm{}, fmt.Errorf("unsupported wav encoding %d", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return pcm{}, err
	}
	return pcm{
		samples:    intToFloat(buf.Data, int(dec.BitDepth)),
		sampleRate: int(dec.SampleRate),
		channels:   int(dec.NumChans),
	}, nil
}

func decodeFlac(ctx context.Context, path string) (pcm, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return pcm{}, err
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	scale := fullScale(int(stream.Info.BitsPerSample))
	out := pcm{sampleRate: int(stream.Info.SampleRate), channels: channels}
	for {
		if err := ctx.Err(); err != nil {
			return pcm{}, err
		}
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return pcm{}, err
		}
		n := int(frame.BlockSize)
		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				out.samples = append(out.samples, float64(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}
	return out, nil
}

func intToFloat(data []int, bitDepth int) []float64 {
	scale := fullScale(bitDepth)
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v) / scale
	}
	return out
}

func fullScale(bitDepth int) float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return float64(int64(1) << (bitDepth - 1))
}

func downmix(interleaved []float64, channels int) []float64 {
	if channels == 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// resample converts mono audio between rates with linear interpolation.
func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

func writeCanonical(path string, samples []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	data := make([]int, len(samples))
	for i, v := range samples {
		s := math.Round(v * 32768)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		data[i] = int(s)
	}
	enc := wav.NewEncoder(f, SampleRate, BitDepth, Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

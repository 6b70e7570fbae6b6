package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// Containers lists the raw recording formats capture can write, named by
// file extension.
var Containers = []string{"wav", "flac"}

// flacBlockSize is the number of frames per encoded FLAC block.
const flacBlockSize = 4096

// sink encodes interleaved 16-bit samples into a container file.
type sink interface {
	write(samples []int16) error
	// close finalizes the container and closes the file.
	close() error
}

// recorder streams 16-bit PCM into the container named by the path
// extension as it arrives.
type recorder struct {
	mu       sync.Mutex
	path     string
	out      sink
	channels int
	frames   int
	meter    *levelMeter
	closed   bool
}

func newRecorder(path string, sampleRate, channels int, interval time.Duration, onLevel func(float64)) (*recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create capture dir: %w", err)
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if !slices.Contains(Containers, ext) {
		return nil, fmt.Errorf("unsupported capture container %q", ext)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	var out sink
	switch ext {
	case "flac":
		out, err = newFlacSink(file, sampleRate, channels)
	default:
		out = newWavSink(file, sampleRate, channels)
	}
	if err != nil {
		file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &recorder{
		path:     path,
		out:      out,
		channels: channels,
		meter:    newLevelMeter(interval, onLevel),
	}, nil
}

// WriteInt16 appends interleaved samples.
func (r *recorder) WriteInt16(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.out.write(samples); err != nil {
		return err
	}
	r.frames += len(samples) / r.channels
	r.meter.observe(samples)
	return nil
}

// WritePCM appends little-endian signed 16-bit bytes. A trailing odd byte is ignored.
func (r *recorder) WritePCM(pcm []byte) error {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return r.WriteInt16(samples)
}

func (r *recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Finish closes the container. Empty recordings are removed and reported
// as failure.ErrCaptureEmpty.
func (r *recorder) Finish() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if r.frames == 0 {
			return "", failure.ErrCaptureEmpty
		}
		return r.path, nil
	}
	r.closed = true

	err := r.out.close()
	if r.frames == 0 {
		_ = os.Remove(r.path)
		return "", failure.ErrCaptureEmpty
	}
	if err != nil {
		return "", fmt.Errorf("finalize capture: %w", err)
	}
	return r.path, nil
}

type wavSink struct {
	file   *os.File
	enc    *wav.Encoder
	format *audio.Format
}

func newWavSink(file *os.File, sampleRate, channels int) *wavSink {
	return &wavSink{
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, 16, channels, 1),
		format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
	}
}

func (w *wavSink) write(samples []int16) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{Format: w.format, Data: data, SourceBitDepth: 16}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (w *wavSink) close() error {
	return errors.Join(w.enc.Close(), w.file.Close())
}

// flacSink buffers samples into fixed-size verbatim blocks. The encoder
// rewrites the stream info header and closes the file on close.
type flacSink struct {
	enc        *flac.Encoder
	sampleRate int
	channels   int
	pending    []int16
}

func newFlacSink(file *os.File, sampleRate, channels int) (*flacSink, error) {
	if channels < 1 || channels > 8 {
		return nil, fmt.Errorf("flac supports 1 to 8 channels, got %d", channels)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     uint8(channels),
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(file, info)
	if err != nil {
		return nil, fmt.Errorf("create flac encoder: %w", err)
	}
	return &flacSink{enc: enc, sampleRate: sampleRate, channels: channels}, nil
}

func (f *flacSink) write(samples []int16) error {
	f.pending = append(f.pending, samples...)
	block := flacBlockSize * f.channels
	for len(f.pending) >= block {
		if err := f.writeBlock(f.pending[:block]); err != nil {
			return err
		}
		f.pending = f.pending[block:]
	}
	return nil
}

func (f *flacSink) writeBlock(interleaved []int16) error {
	n := len(interleaved) / f.channels
	subframes := make([]*frame.Subframe, f.channels)
	for ch := range subframes {
		samples := make([]int32, n)
		for i := range samples {
			samples[i] = int32(interleaved[i*f.channels+ch])
		}
		subframes[ch] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  n,
		}
	}
	fr := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(n),
			SampleRate:    uint32(f.sampleRate),
			Channels:      frame.Channels(f.channels - 1),
			BitsPerSample: 16,
		},
		Subframes: subframes,
	}
	if err := f.enc.WriteFrame(fr); err != nil {
		return fmt.Errorf("write flac frame: %w", err)
	}
	return nil
}

func (f *flacSink) close() error {
	var err error
	if frames := len(f.pending) / f.channels; frames > 0 {
		err = f.writeBlock(f.pending[:frames*f.channels])
	}
	f.pending = nil
	return errors.Join(err, f.enc.Close())
}

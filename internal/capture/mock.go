package capture

import (
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Mock records a synthetic tone. It stands in for a microphone on hosts
// without audio hardware and in tests.
type Mock struct {
	SampleRate int
	Channels   int
	// Chunk is the simulated callback period.
	Chunk time.Duration
	// Frequency of the generated tone in Hz.
	Frequency     float64
	LevelInterval time.Duration
}

func NewMock(cfg config.CaptureConfig) *Mock {
	return &Mock{
		SampleRate:    cfg.SampleRate,
		Channels:      max(cfg.Channels, 1),
		Chunk:         50 * time.Millisecond,
		Frequency:     440,
		LevelInterval: levelInterval(cfg),
	}
}

func (m *Mock) Start(opts Options) (Handle, error) {
	rec, err := newRecorder(opts.Path, m.SampleRate, m.Channels, m.LevelInterval, opts.OnLevel)
	if err != nil {
		return nil, err
	}
	h := &mockHandle{rec: rec, stop: make(chan struct{}), done: make(chan struct{})}
	go h.run(m)
	return h, nil
}

type mockHandle struct {
	rec  *recorder
	stop chan struct{}
	done chan struct{}
	once sync.Once
	path string
	err  error
}

func (h *mockHandle) run(m *Mock) {
	defer close(h.done)
	frames := int(float64(m.SampleRate) * m.Chunk.Seconds())
	if frames <= 0 {
		frames = 1
	}
	ticker := time.NewTicker(m.Chunk)
	defer ticker.Stop()

	var pos int
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		block := make([]int16, frames*m.Channels)
		for i := 0; i < frames; i++ {
			t := float64(pos+i) / float64(m.SampleRate)
			v := int16(8000 * math.Sin(2*math.Pi*m.Frequency*t))
			for c := 0; c < m.Channels; c++ {
				block[i*m.Channels+c] = v
			}
		}
		pos += frames
		_ = h.rec.WriteInt16(block)
	}
}

func (h *mockHandle) Stop() (string, error) {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		h.path, h.err = h.rec.Finish()
	})
	return h.path, h.err
}

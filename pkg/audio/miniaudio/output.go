package miniaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/insightflow/pkg/audio"
)

var _ audio.Output = (*output)(nil)

// output mixes scheduled sources into the playback device. The number of
// frames rendered so far is the clock.
type output struct {
	rate int

	mu       sync.Mutex
	device   *malgo.Device
	rendered int64 // frames handed to the device
	sources  []*source
	mix      []float32
	closed   bool
}

type source struct {
	o          *output
	samples    []float32
	startFrame int64
	onEnded    func()
	stopped    bool // guarded by o.mu
}

func newOutput(rate int) *output {
	return &output{rate: rate}
}

func (o *output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.framesToDuration(o.rendered)
}

func (o *output) Start(chunk audio.PlaybackChunk, at time.Duration, onEnded func()) (audio.Source, error) {
	if chunk.SampleRate != 0 && chunk.SampleRate != o.rate {
		return nil, fmt.Errorf("miniaudio: chunk rate %d does not match output rate %d", chunk.SampleRate, o.rate)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("miniaudio: output closed")
	}
	s := &source{
		o:          o,
		samples:    chunk.Samples,
		startFrame: o.durationToFrames(at),
		onEnded:    onEnded,
	}
	o.sources = append(o.sources, s)
	return s, nil
}

func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, s := range o.sources {
		s.stopped = true
	}
	o.sources = nil
	dev := o.device
	o.device = nil
	o.mu.Unlock()

	if dev == nil {
		return nil
	}
	err := dev.Stop()
	dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop playback: %w", err)
	}
	return nil
}

// render fills one device period. It runs on the miniaudio callback thread.
func (o *output) render(pOutput []byte, frames int) {
	o.mu.Lock()
	if cap(o.mix) < frames {
		o.mix = make([]float32, frames)
	}
	mix := o.mix[:frames]
	clear(mix)

	from := o.rendered
	to := from + int64(frames)

	var ended []func()
	live := o.sources[:0]
	for _, s := range o.sources {
		if s.stopped {
			continue
		}
		end := s.startFrame + int64(len(s.samples))
		lo := max(s.startFrame, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			mix[f-from] += s.samples[f-s.startFrame]
		}
		if end <= to {
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		live = append(live, s)
	}
	clear(o.sources[len(live):])
	o.sources = live
	o.rendered = to
	o.mu.Unlock()

	copy(pOutput, audio.EncodePCM16(mix))

	if len(ended) > 0 {
		go func() {
			for _, fn := range ended {
				fn()
			}
		}()
	}
}

// durationToFrames rounds to the nearest frame. Chunk durations are truncated
// to whole nanoseconds, so a back-to-back start time can fall a fraction of a
// nanosecond before the previous chunk's last frame ends.
func (o *output) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(o.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (o *output) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(o.rate)
}

func (s *source) Stop() {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	s.stopped = true
}

package capture

import (
	"sync"
	"time"

	"github.com/MrWong99/insightflow/pkg/audio"
)

// Chunker regroups an irregular stream of samples into fixed-size
// [audio.AudioFrame] values. Device callbacks deliver whatever period size
// the backend chose; the transport wants a steady frame cadence.
type Chunker struct {
	frameSize  int
	sampleRate int

	mu      sync.Mutex
	buf     []float32
	emitted int64 // frames emitted so far
}

// NewChunker returns a Chunker producing frames of frameSize samples at
// sampleRate.
func NewChunker(frameSize, sampleRate int) *Chunker {
	return &Chunker{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		buf:        make([]float32, 0, frameSize*2),
	}
}

// Write appends samples and returns every complete frame now available. Each
// returned frame owns its sample slice. Leftover samples stay buffered.
func (c *Chunker) Write(samples []float32) []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, samples...)

	var frames []audio.AudioFrame
	for len(c.buf) >= c.frameSize {
		out := make([]float32, c.frameSize)
		copy(out, c.buf[:c.frameSize])
		frames = append(frames, audio.AudioFrame{
			Samples:    out,
			SampleRate: c.sampleRate,
			Timestamp:  c.offsetLocked(),
		})
		c.emitted++
		c.buf = c.buf[c.frameSize:]
	}

	// Compact so the backing array does not grow without bound.
	if len(c.buf) > 0 && cap(c.buf)-len(c.buf) < c.frameSize {
		c.buf = append(make([]float32, 0, c.frameSize*2), c.buf...)
	}
	return frames
}

// Buffered returns the number of samples waiting for a full frame.
func (c *Chunker) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Reset drops buffered samples and restarts timestamps at zero.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = c.buf[:0]
	c.emitted = 0
}

func (c *Chunker) offsetLocked() time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return time.Duration(c.emitted*int64(c.frameSize)) * time.Second / time.Duration(c.sampleRate)
}

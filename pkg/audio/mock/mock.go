// Package mock provides in-memory implementations of [audio.Device],
// [audio.CaptureStream], [audio.Output] and [audio.Source] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on arguments, and they expose exported fields that control return
// values. [Output] runs on a manual clock: nothing plays until the test calls
// [Output.Advance].
//
// Typical usage:
//
//	dev := &mock.Device{}
//	stream, _ := dev.OpenCapture(ctx, audio.CaptureConfig{}, onSamples)
//	dev.Emit(make([]float32, 2048))
//	out, _ := dev.OpenOutput(ctx, audio.OutputSampleRate)
//	out.(*mock.Output).Advance(time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/insightflow/pkg/audio"
)

var (
	_ audio.Device        = (*Device)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Output        = (*Output)(nil)
	_ audio.Source        = (*Source)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenCaptureErr is returned by OpenCapture when non-nil.
	OpenCaptureErr error

	// OpenOutputErr is returned by OpenOutput when non-nil.
	OpenOutputErr error

	// Applied is reported by every capture stream this device opens.
	Applied audio.Conditioning

	// OutputResult is returned by OpenOutput. A fresh [Output] is created
	// when nil.
	OutputResult *Output

	// CaptureConfigs records the config of every OpenCapture call.
	CaptureConfigs []audio.CaptureConfig

	// Captures holds every stream opened, in order.
	Captures []*CaptureStream

	// OutputRates records the sampleRate of every OpenOutput call.
	OutputRates []int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, cfg audio.CaptureConfig, onSamples func([]float32)) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CaptureConfigs = append(d.CaptureConfigs, cfg)
	if d.OpenCaptureErr != nil {
		return nil, d.OpenCaptureErr
	}
	s := &CaptureStream{applied: d.Applied, onSamples: onSamples}
	d.Captures = append(d.Captures, s)
	return s, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputRates = append(d.OutputRates, sampleRate)
	if d.OpenOutputErr != nil {
		return nil, d.OpenOutputErr
	}
	if d.OutputResult == nil {
		d.OutputResult = &Output{}
	}
	return d.OutputResult, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return nil
}

// Emit delivers samples to the most recently opened capture stream, as the
// backend callback would. It is a no-op when no open stream exists.
func (d *Device) Emit(samples []float32) {
	d.mu.Lock()
	var s *CaptureStream
	if n := len(d.Captures); n > 0 {
		s = d.Captures[n-1]
	}
	d.mu.Unlock()
	if s != nil {
		s.Emit(samples)
	}
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream].
type CaptureStream struct {
	mu        sync.Mutex
	applied   audio.Conditioning
	onSamples func([]float32)
	closed    bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Applied implements [audio.CaptureStream].
func (s *CaptureStream) Applied() audio.Conditioning { return s.applied }

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit calls the registered sample callback unless the stream is closed.
func (s *CaptureStream) Emit(samples []float32) {
	s.mu.Lock()
	cb := s.onSamples
	closed := s.closed
	s.mu.Unlock()
	if !closed && cb != nil {
		cb(samples)
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output] driven by a manual clock.
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*Source
	closed  bool

	// StartErr is returned by Start when non-nil.
	StartErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Start implements [audio.Output]. The source ends when the clock is
// advanced past at plus the chunk duration.
func (o *Output) Start(chunk audio.PlaybackChunk, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	s := &Source{
		Chunk:   chunk,
		At:      at,
		End:     at + chunk.Duration(),
		onEnded: onEnded,
	}
	o.sources = append(o.sources, s)
	return s, nil
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCallCount++
	o.closed = true
	return nil
}

// Sources returns a snapshot of every source started so far.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// SetNow moves the clock to t without completing any source.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the clock forward by d and fires the ended callback of every
// source that has played to completion, in start order, on the calling
// goroutine.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var done []*Source
	for _, s := range o.sources {
		if s.finishLocked(o.now) {
			done = append(done, s)
		}
	}
	o.mu.Unlock()

	for _, s := range done {
		if s.onEnded != nil {
			s.onEnded()
		}
	}
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] created by [Output.Start].
type Source struct {
	// Chunk is the chunk passed to Start.
	Chunk audio.PlaybackChunk

	// At is the scheduled start time.
	At time.Duration

	// End is At plus the chunk duration.
	End time.Duration

	onEnded func()

	mu      sync.Mutex
	stopped bool
	ended   bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Ended reports whether the source played to completion.
func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Source) finishLocked(now time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ended || now < s.End {
		return false
	}
	s.ended = true
	return true
}

// Package capture turns a live microphone into a steady stream of fixed-size
// [audio.AudioFrame] values for the transport.
//
// The pipeline asks the device for 16 kHz mono input with echo cancellation,
// auto gain control and noise suppression. Those stages are best effort: a
// backend that cannot provide them still yields frames, and the pipeline only
// logs what is missing. Failing to open the microphone at all is reported as
// [audio.ErrDeviceUnavailable] and is never retried here.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/insightflow/pkg/audio"
)

// ErrRunning is returned by [Pipeline.Start] when the pipeline is already
// capturing.
var ErrRunning = errors.New("capture: already running")

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per emitted frame. Defaults to
// [audio.DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate sets the requested capture rate. Defaults to
// [audio.InputSampleRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.cfg.SampleRate = rate
		}
	}
}

// WithConditioning overrides which acoustic conditioning stages are
// requested. All three are requested by default.
func WithConditioning(c audio.Conditioning) Option {
	return func(p *Pipeline) {
		p.cfg.EchoCancellation = c.EchoCancellation
		p.cfg.AutoGainControl = c.AutoGainControl
		p.cfg.NoiseSuppression = c.NoiseSuppression
	}
}

// Pipeline owns one microphone stream at a time. It is safe for concurrent
// use.
type Pipeline struct {
	dev       audio.Device
	cfg       audio.CaptureConfig
	frameSize int

	mu      sync.Mutex
	stream  audio.CaptureStream
	chunker *Chunker
	applied audio.Conditioning
}

// New creates a Pipeline reading from dev.
func New(dev audio.Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev: dev,
		cfg: audio.CaptureConfig{
			SampleRate:       audio.InputSampleRate,
			EchoCancellation: true,
			AutoGainControl:  true,
			NoiseSuppression: true,
		},
		frameSize: audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the microphone and calls onFrame for every complete frame,
// from the device callback goroutine. onFrame must not block.
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return ErrRunning
	}

	chunker := NewChunker(p.frameSize, p.cfg.SampleRate)
	stream, err := p.dev.OpenCapture(ctx, p.cfg, func(samples []float32) {
		for _, f := range chunker.Write(samples) {
			onFrame(f)
		}
	})
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("capture: open: %w", err)
		}
		return fmt.Errorf("capture: open: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	p.stream = stream
	p.chunker = chunker
	p.applied = stream.Applied()
	p.logConditioning()

	slog.Info("capture started",
		"sample_rate", p.cfg.SampleRate,
		"frame_size", p.frameSize,
	)
	return nil
}

// logConditioning reports requested stages the backend could not enable.
// Must be called with p.mu held.
func (p *Pipeline) logConditioning() {
	var missing []string
	if p.cfg.EchoCancellation && !p.applied.EchoCancellation {
		missing = append(missing, "echo_cancellation")
	}
	if p.cfg.AutoGainControl && !p.applied.AutoGainControl {
		missing = append(missing, "auto_gain_control")
	}
	if p.cfg.NoiseSuppression && !p.applied.NoiseSuppression {
		missing = append(missing, "noise_suppression")
	}
	if len(missing) > 0 {
		slog.Warn("capture: acoustic conditioning unavailable, continuing unconditioned",
			"missing", missing,
		)
	}
}

// Applied reports the conditioning stages active on the current stream.
func (p *Pipeline) Applied() audio.Conditioning {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

// Running reports whether a microphone stream is open.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Stop closes the microphone stream and drops any partial frame. Stop is
// idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	stream := p.stream
	chunker := p.chunker
	p.stream = nil
	p.chunker = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	if chunker != nil {
		chunker.Reset()
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	slog.Info("capture stopped")
	return nil
}

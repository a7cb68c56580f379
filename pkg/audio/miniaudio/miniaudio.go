// Package miniaudio implements [audio.Device] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// Capture runs a 16-bit mono device at the requested rate and converts each
// period to normalised floats. Playback runs a 16-bit mono device whose
// rendered-frame counter is the output clock; scheduled sources are mixed
// into each period at their exact start frame, so chunks placed back to back
// play without gaps.
//
// miniaudio offers no echo cancellation, gain control or noise suppression,
// so capture streams report no conditioning.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/insightflow/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

const (
	defaultPeriodMs = 30
	defaultPeriods  = 3
)

// Option configures a [Device].
type Option func(*Device)

// WithPeriod sets the device period length in milliseconds. Shorter periods
// lower latency at the cost of more callbacks.
func WithPeriod(ms int) Option {
	return func(d *Device) {
		if ms > 0 {
			d.periodMs = ms
		}
	}
}

// Device is a malgo-backed [audio.Device]. The miniaudio context is created
// lazily on first use and released by Close.
type Device struct {
	periodMs int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// New returns a Device. No native resources are acquired until a stream is
// opened.
func New(opts ...Option) *Device {
	d := &Device{periodMs: defaultPeriodMs}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Device) context() (*malgo.AllocatedContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("miniaudio: device closed")
	}
	if d.ctx != nil {
		return d.ctx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.ctx = ctx
	return ctx, nil
}

// Available reports whether at least one capture device exists. It returns an
// error wrapping [audio.ErrDeviceUnavailable] otherwise.
func (d *Device) Available() error {
	ctx, err := d.context()
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("%w: enumerate: %v", audio.ErrDeviceUnavailable, err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: no capture devices", audio.ErrDeviceUnavailable)
	}
	return nil
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, cfg audio.CaptureConfig, onSamples func([]float32)) (audio.CaptureStream, error) {
	if err := d.Available(); err != nil {
		return nil, err
	}
	ctx, err := d.context()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(rate)
	devCfg.Capture.Format = format
	devCfg.Capture.Channels = 1
	devCfg.Alsa.NoMMap = 1
	devCfg.PerformanceProfile = malgo.LowLatency
	devCfg.PeriodSizeInFrames = uint32(rate * d.periodMs / 1000)
	devCfg.Periods = defaultPeriods

	s := &captureStream{}
	dev, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			samples, err := audio.DecodePCM16(pInput[:n])
			if err != nil {
				return
			}
			onSamples(samples)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init capture: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: start capture: %v", audio.ErrDeviceUnavailable, err)
	}
	s.device = dev
	return s, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	ctx, err := d.context()
	if err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}

	o := newOutput(sampleRate)
	format := malgo.FormatS16

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Playback.Format = format
	devCfg.Playback.Channels = 1
	devCfg.Alsa.NoMMap = 1
	devCfg.PerformanceProfile = malgo.LowLatency
	devCfg.PeriodSizeInFrames = uint32(sampleRate * d.periodMs / 1000)
	devCfg.Periods = defaultPeriods

	dev, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			o.render(pOutput, int(frameCount))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback: %w", err)
	}
	o.device = dev
	return o, nil
}

// Close releases the miniaudio context. Streams and outputs must be closed
// first. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// ── capture stream ─────────────────────────────────────────────────────────────

type captureStream struct {
	mu     sync.Mutex
	device *malgo.Device
}

func (s *captureStream) Applied() audio.Conditioning { return audio.Conditioning{} }

func (s *captureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	err := s.device.Stop()
	s.device.Uninit()
	s.device = nil
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture: %w", err)
	}
	return nil
}

// Package audio defines the sample formats, the PCM16 wire codec and the
// device interfaces used by the interview engine.
//
// The two device abstractions are:
//
//   - [Device] opens a microphone capture stream and a speaker output.
//   - [Output] is a sample-accurate playback timeline on which decoded chunks
//     are started at absolute times and stopped on interruption.
//
// Implementations live in backend packages (audio/miniaudio for real hardware,
// audio/mock for tests). The interfaces are narrow so the session engine never
// depends on a particular audio stack.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when no input device exists or access to
// it was refused. It is terminal for an interview and must not be retried
// silently.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// CaptureConfig describes the microphone stream requested from a [Device].
// The conditioning flags are requests; a backend that cannot honour them
// captures unconditioned audio and reports that in [CaptureStream.Applied].
type CaptureConfig struct {
	// SampleRate in Hz. Zero selects [InputSampleRate].
	SampleRate int

	// EchoCancellation requests acoustic echo cancellation.
	EchoCancellation bool

	// AutoGainControl requests automatic gain control.
	AutoGainControl bool

	// NoiseSuppression requests noise suppression.
	NoiseSuppression bool
}

// Conditioning reports which acoustic conditioning stages are active on a
// capture stream.
type Conditioning struct {
	EchoCancellation bool
	AutoGainControl  bool
	NoiseSuppression bool
}

// CaptureStream is a running microphone stream.
type CaptureStream interface {
	// Applied reports the conditioning stages the backend actually enabled.
	Applied() Conditioning

	// Close stops the stream and releases the device. Idempotent.
	Close() error
}

// Source is a single scheduled playback of one chunk on an [Output].
type Source interface {
	// Stop silences the source immediately. The ended callback passed to
	// [Output.Start] is not invoked for a stopped source. Safe to call more
	// than once.
	Stop()
}

// Output is a playback timeline with its own clock. Times are offsets from
// the moment the output was opened.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Start schedules chunk to begin exactly at at. onEnded is called once,
	// from an arbitrary goroutine, when the chunk has finished playing
	// naturally.
	Start(chunk PlaybackChunk, at time.Duration, onEnded func()) (Source, error)

	// Close stops every source and releases the output device. Idempotent.
	Close() error
}

// Device opens the audio endpoints an interview needs. Implementations must
// be safe for concurrent use.
type Device interface {
	// OpenCapture starts the microphone and delivers mono samples to
	// onSamples from the backend's callback goroutine. onSamples must not
	// block. Returns an error wrapping [ErrDeviceUnavailable] when no
	// microphone can be opened.
	OpenCapture(ctx context.Context, cfg CaptureConfig, onSamples func([]float32)) (CaptureStream, error)

	// OpenOutput opens the speaker at sampleRate.
	OpenOutput(ctx context.Context, sampleRate int) (Output, error)

	// Close releases the backend context. Idempotent.
	Close() error
}

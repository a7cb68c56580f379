package audio

import (
	"fmt"
	"time"
)

const (
	// InputSampleRate is the microphone capture rate expected by the remote
	// voice agent.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech sent back by the
	// remote voice agent.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured frame. At
	// [InputSampleRate] one frame covers 128 ms.
	DefaultFrameSize = 2048
)

// PCMMIMEType returns the media-type tag for mono PCM16 at the given rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// AudioFrame is a fixed-length block of normalised mono samples produced by
// the capture pipeline. Frames are ephemeral: they are encoded and sent as
// soon as they are produced and never retained.
type AudioFrame struct {
	// Samples holds mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for microphone input).
	SampleRate int

	// Timestamp marks the start of this frame relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedPacket is a frame converted to PCM16 little-endian and wrapped in
// standard base64 for a text transport.
type EncodedPacket struct {
	// MIMEType tags the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 text of the PCM16LE bytes.
	Data string
}

// PlaybackChunk is a decoded block of synthesised speech ready for
// scheduling. It is owned by the playback scheduler from receipt until it
// finishes playing or is cancelled.
type PlaybackChunk struct {
	// Samples holds mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for agent speech).
	SampleRate int
}

// Duration returns the playback length of the chunk.
func (c PlaybackChunk) Duration() time.Duration {
	return samplesDuration(len(c.Samples), c.SampleRate)
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

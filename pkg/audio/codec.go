package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPacket is returned by [Decode] and [DecodePCM16] when an
// inbound audio payload cannot be turned into samples. Callers drop the
// packet and keep going.
var ErrMalformedPacket = errors.New("audio: malformed packet")

const pcm16Scale = 32768

// EncodePCM16 converts normalised samples to 16-bit little-endian PCM.
// Each sample is scaled by 32768, truncated toward zero and clamped to the
// int16 range, so out-of-range input saturates instead of wrapping.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * pcm16Scale
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to normalised samples by
// dividing each sample by 32768. An odd byte count is malformed.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPacket, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(float64(v) / pcm16Scale)
	}
	return out, nil
}

// Encode converts a captured frame into a transport-ready packet tagged with
// the frame's sample rate. It is pure and deterministic.
func Encode(frame AudioFrame) EncodedPacket {
	rate := frame.SampleRate
	if rate == 0 {
		rate = InputSampleRate
	}
	return EncodedPacket{
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(frame.Samples)),
	}
}

// Decode reverses [Encode] for a base64 PCM16 payload received at
// sampleRate. Errors wrap [ErrMalformedPacket].
func Decode(data string, sampleRate int) (PlaybackChunk, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return PlaybackChunk{}, fmt.Errorf("%w: base64: %v", ErrMalformedPacket, err)
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return PlaybackChunk{}, err
	}
	return PlaybackChunk{Samples: samples, SampleRate: sampleRate}, nil
}

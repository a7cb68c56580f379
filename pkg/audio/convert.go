package audio

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strconv"
)

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ParsePCMRate extracts the sample rate from a tag produced by [PCMMIMEType].
// It reports false for other media types or a missing rate.
func ParsePCMRate(mimeType string) (int, bool) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil || mt != "audio/pcm" {
		return 0, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// ResamplePacket re-encodes a PCM16 packet at dstRate. A packet without a
// rate tag is taken to be at [InputSampleRate]. Errors wrap
// [ErrMalformedPacket].
func ResamplePacket(p EncodedPacket, dstRate int) (EncodedPacket, error) {
	srcRate := InputSampleRate
	if p.MIMEType != "" {
		r, ok := ParsePCMRate(p.MIMEType)
		if !ok {
			return EncodedPacket{}, fmt.Errorf("%w: unsupported media type %q", ErrMalformedPacket, p.MIMEType)
		}
		srcRate = r
	}
	if srcRate == dstRate {
		return EncodedPacket{MIMEType: PCMMIMEType(dstRate), Data: p.Data}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("%w: base64: %v", ErrMalformedPacket, err)
	}
	if len(raw)%2 != 0 {
		return EncodedPacket{}, fmt.Errorf("%w: odd byte count %d", ErrMalformedPacket, len(raw))
	}
	return EncodedPacket{
		MIMEType: PCMMIMEType(dstRate),
		Data:     base64.StdEncoding.EncodeToString(ResampleMono16(raw, srcRate, dstRate)),
	}, nil
}

package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/insightflow/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 3 samples at 24kHz
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 16000, 24000))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if got[1] < 1600 || got[1] > 1700 {
		t.Errorf("interpolated sample: got %d, want about 1666", got[1])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("srcRate=0: got %d bytes, want input unchanged", len(out))
	}
	if out := audio.ResampleMono16(pcm, 16000, 0); len(out) != len(pcm) {
		t.Errorf("dstRate=0: got %d bytes, want input unchanged", len(out))
	}
}

func TestParsePCMRate(t *testing.T) {
	tests := []struct {
		in   string
		rate int
		ok   bool
	}{
		{audio.PCMMIMEType(16000), 16000, true},
		{"audio/pcm; rate=24000", 24000, true},
		{"audio/pcm", 0, false},
		{"audio/pcm;rate=abc", 0, false},
		{"audio/opus;rate=48000", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		rate, ok := audio.ParsePCMRate(tt.in)
		if rate != tt.rate || ok != tt.ok {
			t.Errorf("ParsePCMRate(%q) = %d, %v; want %d, %v", tt.in, rate, ok, tt.rate, tt.ok)
		}
	}
}

func TestResamplePacket(t *testing.T) {
	in := audio.Encode(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: audio.InputSampleRate})

	out, err := audio.ResamplePacket(in, audio.OutputSampleRate)
	if err != nil {
		t.Fatalf("ResamplePacket: %v", err)
	}
	if out.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("MIMEType = %q", out.MIMEType)
	}
	raw, _ := base64.StdEncoding.DecodeString(out.Data)
	if len(raw) != 240*2 {
		t.Errorf("resampled bytes = %d, want %d", len(raw), 240*2)
	}

	same, err := audio.ResamplePacket(in, audio.InputSampleRate)
	if err != nil || same.Data != in.Data {
		t.Errorf("same-rate packet changed: %v", err)
	}
}

func TestResamplePacket_Malformed(t *testing.T) {
	cases := []audio.EncodedPacket{
		{MIMEType: "audio/opus", Data: "AAAA"},
		{MIMEType: audio.PCMMIMEType(16000), Data: "not base64!"},
		{MIMEType: audio.PCMMIMEType(16000), Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
	}
	for _, p := range cases {
		if _, err := audio.ResamplePacket(p, audio.OutputSampleRate); !errors.Is(err, audio.ErrMalformedPacket) {
			t.Errorf("ResamplePacket(%+v) err = %v, want ErrMalformedPacket", p, err)
		}
	}
}

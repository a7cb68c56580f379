package miniaudio

import (
	"testing"
	"time"

	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/audio/playback"
)

func constChunk(v float32, n, rate int) audio.PlaybackChunk {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.PlaybackChunk{Samples: s, SampleRate: rate}
}

// renderSamples runs one period and decodes what the device would receive.
func renderSamples(t *testing.T, o *output, frames int) []float32 {
	t.Helper()
	buf := make([]byte, frames*2)
	o.render(buf, frames)
	out, err := audio.DecodePCM16(buf)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	return out
}

func TestOutput_ClockFollowsRenderedFrames(t *testing.T) {
	t.Parallel()

	o := newOutput(1000)
	if got := o.Now(); got != 0 {
		t.Fatalf("Now = %v, want 0", got)
	}
	renderSamples(t, o, 250)
	if got := o.Now(); got != 250*time.Millisecond {
		t.Fatalf("Now = %v, want 250ms", got)
	}
}

func TestOutput_SourcesStartAtExactFrame(t *testing.T) {
	t.Parallel()

	o := newOutput(1000)
	ended := make(chan struct{}, 2)

	// Two back-to-back chunks: [5,10) at 0.5 and [10,15) at 0.25.
	if _, err := o.Start(constChunk(0.5, 5, 1000), 5*time.Millisecond, func() { ended <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start(constChunk(0.25, 5, 1000), 10*time.Millisecond, func() { ended <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	got := renderSamples(t, o, 20)
	for i, v := range got {
		var want float32
		switch {
		case i >= 5 && i < 10:
			want = 0.5
		case i >= 10 && i < 15:
			want = 0.25
		}
		if v != want {
			t.Errorf("frame %d = %f, want %f", i, v, want)
		}
	}

	for range 2 {
		select {
		case <-ended:
		case <-time.After(2 * time.Second):
			t.Fatal("ended callback not fired")
		}
	}
}

func TestOutput_BackToBackChunksDoNotOverlapAt24k(t *testing.T) {
	t.Parallel()

	const rate, n = 24000, 1001 // 1001 samples last a non-integral number of ns
	o := newOutput(rate)
	sched := playback.New(o, playback.WithSampleRate(rate))
	defer sched.Close()

	levels := []float32{0.5, 0.25, 0.125}
	for _, v := range levels {
		if _, err := sched.Schedule(constChunk(v, n, rate)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	o.mu.Lock()
	starts := make([]int64, len(o.sources))
	for i, src := range o.sources {
		starts[i] = src.startFrame
	}
	o.mu.Unlock()
	for i := 1; i < len(starts); i++ {
		if starts[i] != starts[i-1]+n {
			t.Errorf("chunk %d starts at frame %d, want %d", i, starts[i], starts[i-1]+n)
		}
	}

	first := int(starts[0])
	got := renderSamples(t, o, first+len(levels)*n+10)
	for i, v := range got {
		var want float32
		if k := (i - first) / n; i >= first && k < len(levels) {
			want = levels[k]
		}
		if v != want {
			t.Fatalf("frame %d = %f, want %f", i, v, want)
		}
	}
}

func TestOutput_StoppedSourceIsSilentAndNeverEnds(t *testing.T) {
	t.Parallel()

	o := newOutput(1000)
	fired := make(chan struct{}, 1)
	src, err := o.Start(constChunk(0.5, 10, 1000), 0, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	src.Stop()

	for _, v := range renderSamples(t, o, 20) {
		if v != 0 {
			t.Fatalf("stopped source produced %f", v)
		}
	}
	select {
	case <-fired:
		t.Fatal("ended fired for stopped source")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutput_RejectsRateMismatch(t *testing.T) {
	t.Parallel()

	o := newOutput(24000)
	if _, err := o.Start(constChunk(0, 10, 16000), 0, nil); err == nil {
		t.Fatal("expected rate mismatch error")
	}
}

func TestOutput_CloseWithoutDevice(t *testing.T) {
	t.Parallel()

	o := newOutput(1000)
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := o.Start(constChunk(0, 1, 1000), 0, nil); err == nil {
		t.Fatal("Start after Close should fail")
	}
}

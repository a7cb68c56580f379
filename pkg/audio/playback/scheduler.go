// Package playback schedules streamed agent speech onto a single output
// timeline so that chunks play back to back without gaps or overlaps, and
// stops everything at once when the agent is interrupted.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/insightflow/pkg/audio"
)

const (
	// DefaultGuardBand is the lead time added when the playback clock has
	// fallen behind the output clock. It keeps late bursts from clipping
	// their onset.
	DefaultGuardBand = 30 * time.Millisecond

	// clockIdle marks a scheduler with nothing queued. It is a sentinel, not
	// a timestamp.
	clockIdle time.Duration = 0
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithGuardBand overrides [DefaultGuardBand].
func WithGuardBand(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.guard = d
		}
	}
}

// WithSampleRate sets the rate used by [Scheduler.Enqueue] to interpret
// decoded PCM. Defaults to [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// tracked is one in-flight source in the cancellation set.
type tracked struct {
	src   audio.Source
	start time.Duration
	end   time.Duration
}

// Scheduler places [audio.PlaybackChunk] values on an [audio.Output] in
// arrival order. Each chunk starts exactly where the previous one ends; if the
// clock has fallen behind real time it restarts at now plus the guard band.
//
// All exported methods are safe for concurrent use. Completion callbacks from
// the output arrive on other goroutines and are serialised by the same mutex
// that guards the clock and the tracked set.
type Scheduler struct {
	out        audio.Output
	guard      time.Duration
	sampleRate int

	mu         sync.Mutex
	next       time.Duration         // start of the next chunk, or clockIdle
	sources    map[*tracked]struct{} // in-flight sources
	onFinished func()                // last-writer-wins idle callback
	closed     bool
}

// New creates a Scheduler that plays on out. The scheduler takes ownership of
// out and closes it in [Scheduler.Close].
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		guard:      DefaultGuardBand,
		sampleRate: audio.OutputSampleRate,
		sources:    make(map[*tracked]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnFinished registers the callback fired when the agent finishes speaking:
// either the last tracked source completed naturally or playback was
// interrupted. Only one callback is active; later calls replace earlier ones.
// The callback must not block.
func (s *Scheduler) OnFinished(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinished = fn
}

// Enqueue decodes a base64 PCM16 payload and schedules it. A payload that
// fails to decode is rejected with an error wrapping
// [audio.ErrMalformedPacket] and leaves the clock untouched.
func (s *Scheduler) Enqueue(data string) (time.Duration, error) {
	chunk, err := audio.Decode(data, s.sampleRate)
	if err != nil {
		return 0, err
	}
	return s.Schedule(chunk)
}

// Schedule starts chunk at the current playback clock and advances the clock
// by the chunk's duration. It returns the start time on the output timeline.
func (s *Scheduler) Schedule(chunk audio.PlaybackChunk) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	now := s.out.Now()
	if s.next == clockIdle || s.next < now {
		s.next = now + s.guard
	}
	start := s.next

	t := &tracked{start: start, end: start + chunk.Duration()}
	src, err := s.out.Start(chunk, start, func() { s.ended(t) })
	if err != nil {
		return 0, err
	}
	t.src = src
	s.sources[t] = struct{}{}
	s.next = t.end
	return start, nil
}

// ended removes a naturally completed source. Sources already dropped by
// Interrupt or Close are ignored so the idle signal fires once.
func (s *Scheduler) ended(t *tracked) {
	s.mu.Lock()
	if _, ok := s.sources[t]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sources, t)
	idle := len(s.sources) == 0
	fn := s.onFinished
	s.mu.Unlock()

	if idle && fn != nil {
		fn()
	}
}

// Interrupt stops every tracked source, clears the set, resets the clock to
// idle and fires the finished callback immediately. It returns the number of
// sources that were stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := s.resetLocked()
	fn := s.onFinished
	s.mu.Unlock()

	for _, t := range stopped {
		t.src.Stop()
	}
	if fn != nil {
		fn()
	}
	return len(stopped)
}

func (s *Scheduler) resetLocked() []*tracked {
	stopped := make([]*tracked, 0, len(s.sources))
	for t := range s.sources {
		stopped = append(stopped, t)
	}
	clear(s.sources)
	s.next = clockIdle
	return stopped
}

// Speaking reports whether any scheduled source is still in flight.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources) > 0
}

// Pending returns the number of tracked sources.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// NextStart returns the current playback clock. Zero means idle.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops all playback without firing the finished callback and closes
// the output. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopped := s.resetLocked()
	s.mu.Unlock()

	for _, t := range stopped {
		t.src.Stop()
	}
	return s.out.Close()
}

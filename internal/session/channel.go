// Package session runs one live voice interview.
//
// A [Channel] owns the duplex connection to the remote voice agent. It feeds
// microphone frames to the agent, plays the agent's speech through the
// playback scheduler and records both sides of the conversation. A
// [Controller] drives a Channel through a whole interview: connect, prime,
// run, detect the agent's goodbye and tear everything down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/internal/transcript"
	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/audio/capture"
	"github.com/MrWong99/insightflow/pkg/audio/playback"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
)

const (
	// DefaultPrimingDelay is how long the channel waits after the agent
	// accepts the session before prompting it to speak first.
	DefaultPrimingDelay = 500 * time.Millisecond

	// DefaultSendQueue bounds the outbound frame queue. Frames beyond it are
	// dropped; live audio prefers loss over latency.
	DefaultSendQueue = 32
)

var (
	// ErrAlreadyConnected is returned by Connect when the channel is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrEnded is returned by Connect once the channel has ended. A new
	// connection needs a new Channel.
	ErrEnded = errors.New("session: channel ended")
)

// State is the lifecycle state of a [Channel].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateEnded
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TranscriptUpdate describes one applied transcript fragment.
type TranscriptUpdate struct {
	// Speaker produced the fragment.
	Speaker transcript.Speaker

	// Fragment is the raw text as received.
	Fragment string

	// Entry is the entry after applying the fragment.
	Entry transcript.Entry

	// Created is true when the fragment opened a new entry, which seals the
	// previous one.
	Created bool
}

// ChannelOption configures a [Channel].
type ChannelOption func(*Channel)

// WithPriming sets the text sent to the agent after the session opens and the
// delay before sending it. An empty text disables priming.
func WithPriming(text string, delay time.Duration) ChannelOption {
	return func(c *Channel) {
		c.primingText = text
		if delay >= 0 {
			c.primingDelay = delay
		}
	}
}

// WithSendQueue sets the outbound frame queue capacity.
func WithSendQueue(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ChannelOption {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer for connection spans. Defaults to
// [observe.Tracer].
func WithTracer(tr trace.Tracer) ChannelOption {
	return func(c *Channel) {
		if tr != nil {
			c.tracer = tr
		}
	}
}

// WithTranscriptHook registers fn to run after every applied transcript
// fragment, on the receive goroutine. fn must not block.
func WithTranscriptHook(fn func(TranscriptUpdate)) ChannelOption {
	return func(c *Channel) { c.onTranscript = fn }
}

// WithTurnCompleteHook registers fn to run when the agent completes a turn,
// on the receive goroutine. fn must not block.
func WithTurnCompleteHook(fn func()) ChannelOption {
	return func(c *Channel) { c.onTurnComplete = fn }
}

// link is one connection attempt.
type link struct {
	handle s2s.SessionHandle
	frames chan audio.AudioFrame
	quit   chan struct{}
	opened chan struct{}
	lost   chan struct{} // closed when the receive loop exits
	err    error         // why the receive loop exited; read after lost

	dialed   time.Time
	stopOnce sync.Once
	primer   *time.Timer // guarded by Channel.mu
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Channel is the state machine around one voice agent connection:
//
//	idle --Connect--> connecting --open--> connected --close/error/Disconnect--> ended
//
// A failed Connect returns the channel to idle so the caller may try again;
// ended is terminal. Disconnect is the single cancellation path and is safe to
// call any number of times from any goroutine.
type Channel struct {
	provider  s2s.Provider
	cfg       s2s.SessionConfig
	capture   *capture.Pipeline
	scheduler *playback.Scheduler
	dialogue  *transcript.Reconciler
	metrics   *observe.Metrics
	tracer    trace.Tracer

	primingText    string
	primingDelay   time.Duration
	queueSize      int
	onTranscript   func(TranscriptUpdate)
	onTurnComplete func()

	volume atomic.Uint64 // math.Float64bits of the last RMS reading

	mu     sync.Mutex
	state  State
	link   *link
	endErr error
	done   chan struct{}
}

// NewChannel wires a channel from its collaborators. The channel takes
// ownership of capture and scheduler and releases both when it ends.
func NewChannel(provider s2s.Provider, cfg s2s.SessionConfig, capt *capture.Pipeline, sched *playback.Scheduler, dialogue *transcript.Reconciler, opts ...ChannelOption) *Channel {
	c := &Channel{
		provider:     provider,
		cfg:          cfg,
		capture:      capt,
		scheduler:    sched,
		dialogue:     dialogue,
		metrics:      observe.DefaultMetrics(),
		tracer:       observe.Tracer(),
		primingDelay: DefaultPrimingDelay,
		queueSize:    DefaultSendQueue,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the microphone, dials the agent and waits until the agent
// accepts the session. Errors wrap [audio.ErrDeviceUnavailable] or
// [s2s.ErrChannelOpen]; after either the channel is idle again.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StateEnded:
		c.mu.Unlock()
		return ErrEnded
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "session.connect",
		trace.WithAttributes(attribute.String("s2s.voice", c.cfg.Voice)),
	)
	defer span.End()

	if err := c.handshake(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return err
	}
	return nil
}

// handshake opens the microphone, dials and waits for the agent to accept.
func (c *Channel) handshake(ctx context.Context) error {
	logger := observe.Logger(ctx)

	// The microphone comes first: without it there is no interview, and
	// the agent must not be dialed for nothing.
	if err := c.capture.Start(ctx, c.onFrame); err != nil {
		c.resetToIdle(nil)
		logger.Error("session: capture unavailable", "err", err)
		return err
	}

	dialed := time.Now()
	handle, err := c.provider.Connect(ctx, c.cfg)
	if err != nil {
		c.resetToIdle(nil)
		logger.Error("session: connect failed", "err", err)
		if !errors.Is(err, s2s.ErrChannelOpen) {
			err = fmt.Errorf("%w: %w", s2s.ErrChannelOpen, err)
		}
		return err
	}

	l := &link{
		handle: handle,
		frames: make(chan audio.AudioFrame, c.queueSize),
		quit:   make(chan struct{}),
		opened: make(chan struct{}),
		lost:   make(chan struct{}),
		dialed: dialed,
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		_ = handle.Close()
		_ = c.capture.Stop()
		return fmt.Errorf("%w: disconnected while connecting", s2s.ErrChannelOpen)
	}
	c.link = l
	c.mu.Unlock()

	go c.receive(l)
	go c.pump(l)

	select {
	case <-l.opened:
		logger.Info("session: connected", "connect_time", time.Since(dialed))
		return nil
	case <-l.lost:
		select {
		case <-l.opened:
			// Opened and then lost at once; the channel has already ended.
			return nil
		default:
		}
		cause := l.err
		if cause == nil {
			cause = errors.New("closed before open")
		}
		c.resetToIdle(l)
		logger.Error("session: handshake failed", "err", cause)
		return fmt.Errorf("%w: %w", s2s.ErrChannelOpen, cause)
	case <-ctx.Done():
		if !c.resetToIdle(l) {
			// The agent accepted the session before the reset got the lock.
			logger.Info("session: connected", "connect_time", time.Since(dialed))
			return nil
		}
		return fmt.Errorf("%w: %w", s2s.ErrChannelOpen, ctx.Err())
	}
}

// resetToIdle undoes a failed connection attempt. l may be nil when no
// transport was created. It reports false, and leaves everything running,
// when l has already reached connected.
func (c *Channel) resetToIdle(l *link) bool {
	c.mu.Lock()
	if l != nil && c.link == l && c.state == StateConnected {
		c.mu.Unlock()
		return false
	}
	if c.state == StateConnecting && c.link == l {
		c.state = StateIdle
		c.link = nil
	}
	c.mu.Unlock()

	if l != nil {
		l.stop()
		_ = l.handle.Close()
	}
	_ = c.capture.Stop()
	return true
}

// Disconnect stops the microphone, closes the connection and cancels all
// scheduled playback. It is idempotent and never fails.
func (c *Channel) Disconnect() error {
	c.end(nil)
	return nil
}

// end moves the channel to ended exactly once and releases every resource.
// cause is nil for a caller-initiated end.
func (c *Channel) end(cause error) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateEnded
	c.endErr = cause
	l := c.link
	if l != nil && l.primer != nil {
		l.primer.Stop()
	}
	c.mu.Unlock()

	if err := c.capture.Stop(); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
	if l != nil {
		l.stop()
		if err := l.handle.Close(); err != nil {
			slog.Warn("session: close transport", "err", err)
		}
	}
	if err := c.scheduler.Close(); err != nil {
		slog.Warn("session: close playback", "err", err)
	}
	if wasConnected {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.volume.Store(0)

	if cause != nil {
		slog.Warn("session: ended", "err", cause)
	} else {
		slog.Info("session: ended")
	}
	close(c.done)
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is connected.
func (c *Channel) IsConnected() bool { return c.State() == StateConnected }

// IsSpeaking reports whether agent audio is scheduled or playing.
func (c *Channel) IsSpeaking() bool { return c.scheduler.Speaking() }

// Volume returns the RMS level of the most recent microphone frame.
func (c *Channel) Volume() float64 { return math.Float64frombits(c.volume.Load()) }

// Done is closed when the channel reaches ended.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel ended: nil after Disconnect, otherwise an error
// wrapping [s2s.ErrChannelClosed] or the remote error.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// Transcript returns the reconciler holding the dialogue so far.
func (c *Channel) Transcript() *transcript.Reconciler { return c.dialogue }

// ── outbound ───────────────────────────────────────────────────────────────────

// onFrame runs on the capture callback goroutine and must not block.
func (c *Channel) onFrame(f audio.AudioFrame) {
	c.volume.Store(math.Float64bits(audio.RMS(f.Samples)))

	c.mu.Lock()
	l := c.link
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || l == nil {
		return
	}

	select {
	case l.frames <- f:
	default:
		c.metrics.RecordCaptureFrame(context.Background(), observe.StatusDropped)
		slog.Warn("session: send queue full, dropping frame", "timestamp", f.Timestamp)
	}
}

// pump encodes queued frames and sends them without waiting for any reply.
func (c *Channel) pump(l *link) {
	ctx := context.Background()
	for {
		select {
		case <-l.quit:
			return
		case f := <-l.frames:
			if err := l.handle.SendAudio(audio.Encode(f)); err != nil {
				c.metrics.RecordCaptureFrame(ctx, observe.StatusDropped)
				slog.Debug("session: frame dropped", "err", err)
				continue
			}
			c.metrics.RecordCaptureFrame(ctx, observe.StatusSent)
		}
	}
}

// prime asks the agent to open the conversation.
func (c *Channel) prime(l *link) {
	c.mu.Lock()
	ok := c.state == StateConnected && c.link == l
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := l.handle.SendText(c.primingText); err != nil {
		slog.Warn("session: priming failed", "err", err)
		return
	}
	slog.Debug("session: priming sent")
}

// ── inbound ────────────────────────────────────────────────────────────────────

// receive handles inbound events in arrival order until the transport closes
// or reports an error.
func (c *Channel) receive(l *link) {
	defer c.lost(l)
	for ev := range l.handle.Events() {
		switch ev.Type {
		case s2s.EventOpen:
			c.handleOpen(l)
		case s2s.EventInputTranscript:
			c.handleTranscript(transcript.SpeakerUser, ev.Text)
		case s2s.EventOutputTranscript:
			c.handleTranscript(transcript.SpeakerAgent, ev.Text)
		case s2s.EventAudio:
			c.handleAudio(ev.Audio)
		case s2s.EventInterrupted:
			c.handleInterrupted()
		case s2s.EventTurnComplete:
			if c.onTurnComplete != nil {
				c.onTurnComplete()
			}
		case s2s.EventError:
			l.err = ev.Err
			return
		case s2s.EventClose:
			l.err = ev.Err
			return
		}
	}
	if l.err == nil {
		l.err = l.handle.Err()
	}
}

// lost runs when the receive loop exits. A connected channel ends; a
// connecting one is left to Connect, which is waiting on l.lost.
func (c *Channel) lost(l *link) {
	close(l.lost)

	c.mu.Lock()
	connected := c.state == StateConnected && c.link == l
	c.mu.Unlock()
	if !connected {
		return
	}

	cause := l.err
	if cause == nil {
		cause = s2s.ErrChannelClosed
	} else if !errors.Is(cause, s2s.ErrChannelClosed) {
		cause = fmt.Errorf("%w: %w", s2s.ErrChannelClosed, cause)
	}
	c.end(cause)
}

func (c *Channel) handleOpen(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || c.link != l {
		return
	}
	c.state = StateConnected
	close(l.opened)
	c.metrics.RecordConnect(context.Background(), time.Since(l.dialed))
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	if c.primingText != "" {
		l.primer = time.AfterFunc(c.primingDelay, func() { c.prime(l) })
	}
}

func (c *Channel) handleTranscript(speaker transcript.Speaker, fragment string) {
	if fragment == "" {
		return
	}
	e, created := c.dialogue.Append(speaker, fragment)
	if created {
		c.metrics.RecordTranscriptEntry(context.Background(), string(speaker))
	}
	if c.onTranscript != nil {
		c.onTranscript(TranscriptUpdate{Speaker: speaker, Fragment: fragment, Entry: e, Created: created})
	}
}

// handleAudio decodes and schedules one chunk synchronously, so scheduling
// order is arrival order.
func (c *Channel) handleAudio(data string) {
	ctx := context.Background()
	if _, err := c.scheduler.Enqueue(data); err != nil {
		if errors.Is(err, playback.ErrClosed) {
			return
		}
		c.metrics.RecordPlaybackChunk(ctx, observe.StatusMalformed)
		slog.Warn("session: dropping agent audio chunk", "err", err)
		return
	}
	c.metrics.RecordPlaybackChunk(ctx, observe.StatusScheduled)
}

func (c *Channel) handleInterrupted() {
	n := c.scheduler.Interrupt()
	c.metrics.PlaybackInterruptions.Add(context.Background(), 1)
	slog.Debug("session: agent interrupted", "stopped_sources", n)
}

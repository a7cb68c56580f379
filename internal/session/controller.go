package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/internal/transcript"
	"github.com/MrWong99/insightflow/internal/transcript/phonetic"
	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/audio/capture"
	"github.com/MrWong99/insightflow/pkg/audio/playback"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
)

// DefaultEndGrace is how long the controller lets the agent's farewell play
// before tearing the session down.
const DefaultEndGrace = 4 * time.Second

var primingTexts = map[string]string{
	transcript.LanguageChinese: "访谈现在开始。请根据你的系统指令，主动向用户打招呼，自我介绍，并开始第一个问题的提问。",
	transcript.LanguageEnglish: "The interview starts now. Following your system instructions, greet the user, introduce yourself and ask the first question.",
}

// DefaultPrimingText returns the built-in priming message for language.
// Unknown languages fall back to Chinese.
func DefaultPrimingText(language string) string {
	if t, ok := primingTexts[strings.ToLower(language)]; ok {
		return t
	}
	return primingTexts[transcript.LanguageChinese]
}

// EndReason records why an interview ended.
type EndReason string

const (
	EndRequested     EndReason = "requested"
	EndClosingPhrase EndReason = "closing_phrase"
	EndRemoteClosed  EndReason = "remote_closed"
	EndCancelled     EndReason = "cancelled"
	EndFailed        EndReason = "failed"
)

// Config configures a [Controller].
type Config struct {
	// Provider dials the voice agent. Required.
	Provider s2s.Provider

	// Device supplies the microphone and speaker. Required.
	Device audio.Device

	// Session is the agent handshake: instructions, voice and transcription.
	Session s2s.SessionConfig

	// Language selects the default priming text and closing phrases.
	Language string

	// PrimingText overrides the language default. PrimingDelay defaults to
	// DefaultPrimingDelay.
	PrimingText  string
	PrimingDelay time.Duration

	// ClosingPhrases overrides the language default.
	ClosingPhrases []string

	// EndGrace defaults to DefaultEndGrace.
	EndGrace time.Duration

	// FrameSize is the capture frame length in samples. SendQueue bounds the
	// outbound frame queue. Zero selects the defaults.
	FrameSize int
	SendQueue int

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// OnTranscript is called with every transcript fragment as it arrives.
	// It runs on the receive goroutine and must not block.
	OnTranscript func(fragment string, isUser bool)
}

// Result is what an interview leaves behind.
type Result struct {
	Entries   []transcript.Entry
	Text      string
	Reason    EndReason
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Controller runs one interview from connect to teardown. It is single use.
//
// While running, the controller watches finished agent entries for a closing
// phrase. The first match, seen while connected, schedules the end of the
// session after the grace period so the farewell can finish playing.
type Controller struct {
	cfg      Config
	detector *transcript.ClosingDetector

	channel atomic.Pointer[Channel]

	endOnce     sync.Once
	endReq      chan struct{}
	closingOnce sync.Once
	closing     chan struct{}
	closeTimer  atomic.Pointer[time.Timer]
	started     atomic.Bool
}

// NewController validates cfg and fills in defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: audio device is required")
	}
	if cfg.PrimingText == "" {
		cfg.PrimingText = DefaultPrimingText(cfg.Language)
	}
	if cfg.PrimingDelay <= 0 {
		cfg.PrimingDelay = DefaultPrimingDelay
	}
	if len(cfg.ClosingPhrases) == 0 {
		cfg.ClosingPhrases = transcript.DefaultClosingPhrases(cfg.Language)
	}
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = DefaultEndGrace
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Controller{
		cfg:      cfg,
		detector: transcript.NewClosingDetector(cfg.ClosingPhrases, phonetic.New()),
		endReq:   make(chan struct{}),
		closing:  make(chan struct{}),
	}, nil
}

// Run connects, runs the interview until it ends and tears everything down.
// Device and handshake failures are returned as errors together with an
// empty result. Once connected, every ending is normal: the result carries
// the transcript collected so far and, for a dropped connection, the cause in
// Result.Err.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if !c.started.CompareAndSwap(false, true) {
		return Result{}, errors.New("session: controller already ran")
	}
	logger := observe.Logger(ctx)
	res := Result{StartedAt: time.Now()}

	out, err := c.cfg.Device.OpenOutput(ctx, audio.OutputSampleRate)
	if err != nil {
		res.Reason, res.EndedAt = EndFailed, time.Now()
		return res, fmt.Errorf("session: open output: %w", err)
	}

	sched := playback.New(out, playback.WithSampleRate(audio.OutputSampleRate))
	sched.OnFinished(func() { logger.Debug("session: agent finished speaking") })

	pipeline := capture.New(c.cfg.Device,
		capture.WithFrameSize(c.cfg.FrameSize),
		capture.WithSampleRate(audio.InputSampleRate),
	)
	dialogue := transcript.NewReconciler()

	ch := NewChannel(c.cfg.Provider, c.cfg.Session, pipeline, sched, dialogue,
		WithPriming(c.cfg.PrimingText, c.cfg.PrimingDelay),
		WithSendQueue(c.cfg.SendQueue),
		WithMetrics(c.cfg.Metrics),
		WithTranscriptHook(c.onTranscript),
		WithTurnCompleteHook(c.onTurnComplete),
	)
	c.channel.Store(ch)

	if err := ch.Connect(ctx); err != nil {
		_ = ch.Disconnect()
		res.Reason, res.EndedAt = EndFailed, time.Now()
		return res, err
	}
	logger.Info("interview started", "language", c.cfg.Language)

	select {
	case <-ctx.Done():
		res.Reason = EndCancelled
	case <-c.endReq:
		res.Reason = EndRequested
	case <-c.closing:
		res.Reason = EndClosingPhrase
	case <-ch.Done():
		res.Reason = EndRemoteClosed
	}

	if t := c.closeTimer.Load(); t != nil {
		t.Stop()
	}
	_ = ch.Disconnect()

	res.Err = ch.Err()
	res.Entries = dialogue.Entries()
	res.Text = transcript.Format(res.Entries)
	res.EndedAt = time.Now()

	logger.Info("interview ended",
		"reason", res.Reason,
		"entries", len(res.Entries),
		"duration", res.EndedAt.Sub(res.StartedAt),
	)
	return res, nil
}

// End asks a running interview to finish now. It is safe to call at any time
// and more than once.
func (c *Controller) End() {
	c.endOnce.Do(func() { close(c.endReq) })
}

// State returns the channel state, or StateIdle before Run.
func (c *Controller) State() State {
	if ch := c.channel.Load(); ch != nil {
		return ch.State()
	}
	return StateIdle
}

// IsConnected reports whether the agent connection is live.
func (c *Controller) IsConnected() bool { return c.State() == StateConnected }

// IsSpeaking reports whether agent audio is playing.
func (c *Controller) IsSpeaking() bool {
	if ch := c.channel.Load(); ch != nil {
		return ch.IsSpeaking()
	}
	return false
}

// Volume returns the latest microphone level.
func (c *Controller) Volume() float64 {
	if ch := c.channel.Load(); ch != nil {
		return ch.Volume()
	}
	return 0
}

// Transcript returns the entries collected so far.
func (c *Controller) Transcript() []transcript.Entry {
	if ch := c.channel.Load(); ch != nil {
		return ch.Transcript().Entries()
	}
	return nil
}

func (c *Controller) onTranscript(u TranscriptUpdate) {
	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(u.Fragment, u.Speaker == transcript.SpeakerUser)
	}
	// A new user entry seals the agent entry before it.
	if u.Created && u.Speaker == transcript.SpeakerUser {
		if ch := c.channel.Load(); ch != nil {
			if prev, ok := ch.Transcript().Previous(); ok {
				c.checkClosing(prev)
			}
		}
	}
}

func (c *Controller) onTurnComplete() {
	ch := c.channel.Load()
	if ch == nil {
		return
	}
	if last, ok := ch.Transcript().Last(); ok {
		c.checkClosing(last)
	}
}

// checkClosing arms the end-of-interview timer when a finished agent entry
// contains a closing phrase.
func (c *Controller) checkClosing(e transcript.Entry) {
	if e.Speaker != transcript.SpeakerAgent || !c.IsConnected() {
		return
	}
	phrase, ok := c.detector.Match(e.Text)
	if !ok {
		return
	}
	c.closingOnce.Do(func() {
		slog.Info("session: closing phrase detected",
			"phrase", phrase,
			"grace", c.cfg.EndGrace,
		)
		c.closeTimer.Store(time.AfterFunc(c.cfg.EndGrace, func() { close(c.closing) }))
	})
}

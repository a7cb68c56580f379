// Package app wires the InsightFlow subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the record store and
// the analyzer, RunInterview drives one interview from research plan to
// stored record, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/insightflow/internal/analysis"
	"github.com/MrWong99/insightflow/internal/config"
	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/internal/session"
	"github.com/MrWong99/insightflow/internal/transcript"
	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/memory"
	"github.com/MrWong99/insightflow/pkg/memory/postgres"
	"github.com/MrWong99/insightflow/pkg/plan"
	"github.com/MrWong99/insightflow/pkg/provider/llm"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
)

// Timeouts for the work done after an interview has ended. They run detached
// from the caller's context so a cancelled interview is still stored.
const (
	analysisTimeout = 2 * time.Minute
	saveTimeout     = 10 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	S2S   s2s.Provider
	LLM   llm.Provider
	Audio audio.Device
}

// App owns all subsystem lifetimes and runs interviews.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.SessionStore
	guard    *memory.Guard
	analyzer *analysis.Analyzer
	metrics  *observe.Metrics
	sessions *SessionManager
	newID    func() string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a record store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics instruments instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithIDGenerator replaces the UUID generator used for interview IDs.
func WithIDGenerator(fn func() string) Option {
	return func(a *App) { a.newID = fn }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: s2s provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: audio device is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  NewSessionManager(),
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Record store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Analyzer ──────────────────────────────────────────────────────
	if err := a.initAnalysis(); err != nil {
		return nil, fmt.Errorf("app: init analysis: %w", err)
	}

	a.closers = append(a.closers, providers.Audio.Close)
	return a, nil
}

// initMemory connects the PostgreSQL record store when a DSN is configured
// and falls back to the in-memory store otherwise.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		} else {
			slog.Warn("no postgres_dsn configured, interview records are kept in memory only")
			a.store = memory.NewMemStore()
		}
	}
	a.guard = memory.NewGuard(a.store)
	return nil
}

// initAnalysis creates the analyzer when an LLM provider is configured.
func (a *App) initAnalysis() error {
	if a.providers.LLM == nil {
		slog.Info("no llm provider configured, interview analysis disabled")
		return nil
	}
	an, err := analysis.New(a.providers.LLM, analysis.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.analyzer = an
	return nil
}

// Sessions returns the tracker of the running interview.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the guarded record store.
func (a *App) Store() *memory.Guard { return a.guard }

// RunInterview runs one interview driven by p and returns the stored record.
//
// Errors are returned only when the interview could not start (another one
// is running, the audio device failed, or the handshake was rejected). A
// session that drops after connecting still produces a record with its Error
// field set. Analysis and storage failures are logged; the record is
// returned regardless.
func (a *App) RunInterview(ctx context.Context, p *plan.ResearchPlan) (memory.SessionRecord, error) {
	id := a.newID()
	ctx = observe.WithSessionID(ctx, id)
	logger := observe.Logger(ctx)

	lang, voice := a.resolveVoice(p)
	ctrl, err := session.NewController(session.Config{
		Provider: a.providers.S2S,
		Device:   a.providers.Audio,
		Session: s2s.SessionConfig{
			Instructions:        p.SystemInstruction,
			Voice:               voice,
			InputTranscription:  true,
			OutputTranscription: true,
		},
		Language:       lang,
		PrimingText:    a.cfg.Interview.PrimingTextFor(lang),
		PrimingDelay:   a.cfg.Interview.PrimingDelay,
		ClosingPhrases: a.cfg.Interview.ClosingPhrasesFor(lang),
		EndGrace:       a.cfg.Interview.EndGrace,
		FrameSize:      a.cfg.Interview.FrameSize,
		SendQueue:      a.cfg.Interview.SendQueue,
		Metrics:        a.metrics,
		OnTranscript: func(fragment string, isUser bool) {
			logger.Debug("transcript fragment", "user", isUser, "text", fragment)
		},
	})
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("app: %w", err)
	}

	info := SessionInfo{SessionID: id, PlanTitle: p.Title, Language: lang, StartedAt: time.Now()}
	if err := a.sessions.begin(info, ctrl); err != nil {
		return memory.SessionRecord{}, err
	}
	defer a.sessions.finish()

	logger.Info("starting interview", "plan", p.Title, "language", lang, "voice", voice)
	res, err := ctrl.Run(ctx)
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("app: run interview: %w", err)
	}

	rec := toRecord(id, p.Title, lang, res)
	if res.Err != nil {
		logger.Warn("interview connection lost", "err", res.Err)
	}

	detached := context.WithoutCancel(ctx)
	rec.Analysis = a.analyze(detached, p, rec.Transcript)

	saveCtx, cancel := context.WithTimeout(detached, saveTimeout)
	defer cancel()
	if err := a.guard.Save(saveCtx, rec); err != nil {
		logger.Error("failed to store interview record", "err", err)
	}
	return rec, nil
}

// analyze runs the analyzer when one is configured. Failures are logged and
// yield a nil analysis.
func (a *App) analyze(ctx context.Context, p *plan.ResearchPlan, entries []memory.TranscriptEntry) *memory.Analysis {
	if a.analyzer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	res, err := a.analyzer.Analyze(ctx, p, entries)
	switch {
	case errors.Is(err, analysis.ErrEmptyTranscript):
		observe.Logger(ctx).Info("skipping analysis of empty transcript")
		return nil
	case err != nil:
		observe.Logger(ctx).Error("interview analysis failed", "err", err)
		return nil
	}
	return res
}

// resolveVoice picks the interview language and voice. Configured values
// take precedence over the plan's.
func (a *App) resolveVoice(p *plan.ResearchPlan) (lang, voice string) {
	lang, voice = p.Language(), p.Voice()
	if l := a.cfg.Interview.Language; l != "" {
		lang = strings.ToLower(l)
	}
	if v := a.cfg.Interview.Voice; v != "" {
		voice = v
	}
	return lang, voice
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline; if ctx expires before all closers finish, Shutdown returns
// ctx.Err(). Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End a running interview first so its record can still be stored.
		_ = a.sessions.End()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// toRecord converts a finished interview into its stored form.
func toRecord(id, title, lang string, res session.Result) memory.SessionRecord {
	rec := memory.SessionRecord{
		ID:         id,
		PlanTitle:  title,
		Language:   lang,
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
		EndReason:  string(res.Reason),
		Transcript: make([]memory.TranscriptEntry, 0, len(res.Entries)),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	for _, e := range res.Entries {
		speaker := memory.SpeakerAgent
		if e.Speaker == transcript.SpeakerUser {
			speaker = memory.SpeakerUser
		}
		rec.Transcript = append(rec.Transcript, memory.TranscriptEntry{
			Speaker:   speaker,
			Text:      e.Text,
			Timestamp: e.CreatedAt,
		})
	}
	return rec
}

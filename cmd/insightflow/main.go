// Command insightflow runs one voice interview from a research plan: it
// connects the local microphone and speaker to a remote voice agent, records
// the reconciled transcript, analyses it and stores the result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/insightflow/internal/app"
	"github.com/MrWong99/insightflow/internal/config"
	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/internal/resilience"
	"github.com/MrWong99/insightflow/pkg/audio"
	"github.com/MrWong99/insightflow/pkg/audio/miniaudio"
	"github.com/MrWong99/insightflow/pkg/memory"
	"github.com/MrWong99/insightflow/pkg/plan"
	"github.com/MrWong99/insightflow/pkg/provider/llm"
	"github.com/MrWong99/insightflow/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/insightflow/pkg/provider/llm/openai"
	"github.com/MrWong99/insightflow/pkg/provider/s2s"
	geminilive "github.com/MrWong99/insightflow/pkg/provider/s2s/gemini"
	oairealtime "github.com/MrWong99/insightflow/pkg/provider/s2s/openai"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	planPath := flag.String("plan", "", "path to the research plan (YAML or JSON)")
	outPath := flag.String("out", "", "write the finished interview record as JSON to this file")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "insightflow: -plan is required")
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "insightflow: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "insightflow: %v\n", err)
		}
		return 1
	}

	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "insightflow: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("insightflow starting",
		"version", version,
		"config", *configPath,
		"plan", p.Title,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "insightflow",
		ServiceVersion: version,
		VoiceAgent:     cfg.Providers.S2S.Name,
		VoiceModel:     cfg.Providers.S2S.Model,
		PlanTitle:      p.Title,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, p)

	application, err := app.New(sigCtx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Interview + status server ─────────────────────────────────────────────
	// The status server lives exactly as long as the interview.
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return application.Serve(gctx, addr) })
	}

	var rec memory.SessionRecord
	g.Go(func() error {
		defer cancel()
		slog.Info("interview ready, press Ctrl+C to end it early")
		var err error
		rec, err = application.RunInterview(gctx, p)
		return err
	})

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("interview failed", "err", err)
		code = 1
	}

	if rec.ID != "" {
		printTranscript(rec)
		if *outPath != "" {
			if err := writeRecord(*outPath, rec); err != nil {
				slog.Error("failed to write interview record", "path", *outPath, "err", err)
				code = 1
			} else {
				slog.Info("interview record written", "path", *outPath)
			}
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the any-llm-go backends exposed as "anyllm-<backend>".
var anyllmBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := entry.OptionDuration("timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	for _, backend := range anyllmBackends {
		reg.RegisterLLM("anyllm-"+backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && backend != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptionDuration("keepalive"); d > 0 {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		opts := []oairealtime.Option{
			oairealtime.WithModel(entry.Model),
			oairealtime.WithBaseURL(entry.BaseURL),
			oairealtime.WithTranscriptionModel(entry.OptionString("transcription_model")),
		}
		if d := entry.OptionDuration("keepalive"); d > 0 {
			opts = append(opts, oairealtime.WithKeepalive(d))
		}
		return oairealtime.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("miniaudio", func(entry config.ProviderEntry) (audio.Device, error) {
		var opts []miniaudio.Option
		if ms := entry.OptionInt("period_ms"); ms > 0 {
			opts = append(opts, miniaudio.WithPeriod(ms))
		}
		return miniaudio.New(opts...), nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	s2sProvider, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	ps.S2S = s2sProvider
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)

	device, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = device
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := buildLLM(cfg.Providers.LLM, cfg.Providers.LLMFallbacks, reg)
		if err != nil {
			_ = device.Close()
			return nil, err
		}
		ps.LLM = p
	}

	return ps, nil
}

// buildLLM creates the analysis model. With fallbacks configured, the models
// are chained behind per-model circuit breakers.
func buildLLM(primary config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", primary.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}

	chain := resilience.NewLLMChain(primary.Name+"/"+primary.Model, p, resilience.BreakerConfig{})
	for i, fb := range fallbacks {
		fp, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d %q: %w", i, fb.Name, err)
		}
		chain.AddFallback(fb.Name+"/"+fb.Model, fp)
		slog.Info("provider created", "kind", "llm-fallback", "name", fb.Name, "model", fb.Model)
	}
	return chain, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, p *plan.ResearchPlan) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      InsightFlow - startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Plan", p.Title)
	printRow("Questions", fmt.Sprint(len(p.Questions)))
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	if n := len(cfg.Providers.LLMFallbacks); n > 0 {
		printRow("LLM fallbacks", fmt.Sprint(n))
	}
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	if cfg.Memory.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "(in-memory)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func printTranscript(rec memory.SessionRecord) {
	fmt.Printf("\n── %s (%s, %s) ──\n", rec.PlanTitle, rec.EndReason, rec.Duration().Round(time.Second))
	for _, e := range rec.Transcript {
		fmt.Printf("%s: %s\n", strings.ToUpper(e.Speaker), e.Text)
	}
	if rec.Analysis != nil {
		fmt.Printf("\nSummary: %s\n", rec.Analysis.Summary)
	}
}

func writeRecord(path string, rec memory.SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "openai-realtime"},
	"llm": {
		"openai",
		"anyllm-openai", "anyllm-anthropic", "anyllm-gemini", "anyllm-ollama",
		"anyllm-deepseek", "anyllm-mistral", "anyllm-groq", "anyllm-llamacpp", "anyllm-llamafile",
	},
	"audio": {"miniaudio"},
}

// validLanguages are the interview languages with built-in priming text and
// closing phrases.
var validLanguages = []string{"zh", "en"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required when providers.llm is configured"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; interviews will be stored without analysis")
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
		}
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" || fb.Model == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d]: name and model are required", i))
		}
		validateProviderName("llm", fb.Name)
	}

	// Interview
	iv := cfg.Interview
	if iv.Language != "" && !slices.Contains(validLanguages, strings.ToLower(iv.Language)) {
		errs = append(errs, fmt.Errorf("interview.language %q is invalid; valid values: zh, en", iv.Language))
	}
	if iv.PrimingDelay < 0 {
		errs = append(errs, fmt.Errorf("interview.priming_delay %v must not be negative", iv.PrimingDelay))
	}
	if iv.EndGrace < 0 {
		errs = append(errs, fmt.Errorf("interview.end_grace %v must not be negative", iv.EndGrace))
	}
	if iv.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("interview.frame_size %d must not be negative", iv.FrameSize))
	} else if iv.FrameSize > 0 && iv.FrameSize&(iv.FrameSize-1) != 0 {
		slog.Warn("interview.frame_size is not a power of two", "frame_size", iv.FrameSize)
	}
	if iv.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("interview.send_queue %d must not be negative", iv.SendQueue))
	}
	for lang, phrases := range iv.ClosingPhrases {
		for i, p := range phrases {
			if strings.TrimSpace(p) == "" {
				errs = append(errs, fmt.Errorf("interview.closing_phrases.%s[%d] is empty", lang, i))
			}
		}
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; interview records are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

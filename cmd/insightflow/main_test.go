package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/insightflow/internal/config"
	"github.com/MrWong99/insightflow/internal/resilience"
	"github.com/MrWong99/insightflow/pkg/memory"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	names := reg.Names()

	for kind, want := range map[string][]string{
		"s2s":   {"gemini-live", "openai-realtime"},
		"audio": {"miniaudio"},
		"llm":   {"openai", "anyllm-anthropic", "anyllm-ollama"},
	} {
		for _, name := range want {
			if !slices.Contains(names[kind], name) {
				t.Errorf("%s provider %q not registered (have %v)", kind, name, names[kind])
			}
		}
	}
	for _, kind := range []string{"s2s", "llm", "audio"} {
		for _, name := range names[kind] {
			if !slices.Contains(config.ValidProviderNames[kind], name) {
				t.Errorf("registered %s %q is not a valid config name", kind, name)
			}
		}
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{Providers: config.ProvidersConfig{
		S2S:   config.ProviderEntry{Name: "gemini-live", APIKey: "k", Options: map[string]any{"keepalive": "20s"}},
		Audio: config.ProviderEntry{Name: "miniaudio", Options: map[string]any{"period_ms": 20}},
		LLM:   config.ProviderEntry{Name: "anyllm-ollama", Model: "llama3"},
	}}
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.S2S == nil || ps.Audio == nil || ps.LLM == nil {
		t.Errorf("providers = %+v", ps)
	}
	_ = ps.Audio.Close()
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	tests := []struct {
		name string
		cfg  config.ProvidersConfig
	}{
		{
			name: "unknown s2s",
			cfg: config.ProvidersConfig{
				S2S:   config.ProviderEntry{Name: "nope"},
				Audio: config.ProviderEntry{Name: "miniaudio"},
			},
		},
		{
			name: "gemini without key",
			cfg: config.ProvidersConfig{
				S2S:   config.ProviderEntry{Name: "gemini-live"},
				Audio: config.ProviderEntry{Name: "miniaudio"},
			},
		},
		{
			name: "openai-realtime without key",
			cfg: config.ProvidersConfig{
				S2S:   config.ProviderEntry{Name: "openai-realtime"},
				Audio: config.ProviderEntry{Name: "miniaudio"},
			},
		},
		{
			name: "openai without model",
			cfg: config.ProvidersConfig{
				S2S:   config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
				Audio: config.ProviderEntry{Name: "miniaudio"},
				LLM:   config.ProviderEntry{Name: "openai", APIKey: "k"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := buildProviders(&config.Config{Providers: tc.cfg}, reg); err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err := buildProviders(&config.Config{Providers: config.ProvidersConfig{
		S2S: config.ProviderEntry{Name: "nope"},
	}}, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestWriteRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.json")
	rec := memory.SessionRecord{ID: "iv-1", PlanTitle: "Study", StartedAt: time.Unix(0, 0).UTC()}
	if err := writeRecord(path, rec); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got memory.SessionRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "iv-1" || got.PlanTitle != "Study" {
		t.Errorf("record = %+v", got)
	}
}

func TestBuildLLM_ChainsFallbacks(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	primary := config.ProviderEntry{Name: "anyllm-ollama", Model: "llama3"}
	p, err := buildLLM(primary, nil, reg)
	if err != nil {
		t.Fatalf("buildLLM: %v", err)
	}
	if _, ok := p.(*resilience.LLMChain); ok {
		t.Error("single model wrapped in a chain")
	}

	p, err = buildLLM(primary, []config.ProviderEntry{{Name: "anyllm-ollama", Model: "qwen2.5"}}, reg)
	if err != nil {
		t.Fatalf("buildLLM with fallback: %v", err)
	}
	if _, ok := p.(*resilience.LLMChain); !ok {
		t.Errorf("provider = %T, want *resilience.LLMChain", p)
	}

	if _, err := buildLLM(primary, []config.ProviderEntry{{Name: "nope", Model: "x"}}, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown fallback err = %v", err)
	}
}

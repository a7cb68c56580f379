// Package analysis turns a finished interview transcript into a structured
// [memory.Analysis] using a language model.
//
// The [Analyzer] sends the formatted transcript together with the research
// plan's analysis framework to an [llm.Provider] and asks for a JSON object
// with a summary, a sentiment breakdown, keyword counts and recurring themes.
// Analysis runs after the voice session has ended and never on the audio path.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/pkg/memory"
	"github.com/MrWong99/insightflow/pkg/plan"
	"github.com/MrWong99/insightflow/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048

	// promptMargin is held back from the context window for role and
	// formatting overhead the estimate does not see.
	promptMargin = 256

	omittedMarker = "[earlier conversation omitted]"
)

// ErrEmptyTranscript is returned by [Analyzer.Analyze] when there is nothing
// to analyse.
var ErrEmptyTranscript = errors.New("analysis: empty transcript")

const systemPromptTemplate = `You are a qualitative user-research analyst.

You receive the transcript of a voice interview between an AI interviewer (AGENT) and a participant (USER).
Analyse only what the participant said; use the interviewer's questions as context.

Study: %s

Analysis framework:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "summary": "<three to five sentence summary of the participant's views>",
  "sentiment": [
    {"name": "Positive", "value": <percent>, "color": "#22c55e"},
    {"name": "Neutral", "value": <percent>, "color": "#94a3b8"},
    {"name": "Negative", "value": <percent>, "color": "#ef4444"}
  ],
  "keywords": [{"word": "<keyword>", "count": <mentions>}],
  "themes": [{"topic": "<theme>", "count": <mentions>}]
}

Sentiment values add up to 100. List at most 15 keywords and 8 themes, most frequent first.
Write the summary, keywords and themes in the language of the interview (%s).`

// defaultColors fills in sentiment colours the model left out.
var defaultColors = map[string]string{
	"positive": "#22c55e",
	"neutral":  "#94a3b8",
	"negative": "#ef4444",
}

// Option is a functional option for configuring an [Analyzer].
type Option func(*Analyzer)

// WithTemperature sets the LLM sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(a *Analyzer) {
		a.temperature = temp
	}
}

// WithMaxTokens caps the length of the model's answer. Default: 2048.
func WithMaxTokens(n int) Option {
	return func(a *Analyzer) {
		a.maxTokens = n
	}
}

// WithMetrics records analysis latency on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// Analyzer produces [memory.Analysis] values from transcripts. It is safe for
// concurrent use.
type Analyzer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

// New returns an [Analyzer] backed by provider.
func New(provider llm.Provider, opts ...Option) (*Analyzer, error) {
	if provider == nil {
		return nil, errors.New("analysis: provider must not be nil")
	}
	a := &Analyzer{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Analyze asks the model for an analysis of entries under p's analysis
// framework. p may be nil. When the transcript does not fit the model's
// context window the oldest turns are dropped.
func (a *Analyzer) Analyze(ctx context.Context, p *plan.ResearchPlan, entries []memory.TranscriptEntry) (*memory.Analysis, error) {
	if !hasText(entries) {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartSpan(ctx, "analysis.analyze",
		trace.WithAttributes(attribute.Int("transcript.entries", len(entries))),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		a.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
	}()

	system := buildSystemPrompt(p)
	budget := a.transcriptBudget(system)
	text, dropped := formatTranscript(entries, budget)
	if dropped > 0 {
		observe.Logger(ctx).Warn("analysis: transcript truncated to fit context window",
			"dropped_entries", dropped, "budget_tokens", budget)
		span.SetAttributes(attribute.Int("transcript.dropped", dropped))
	}

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Transcript:\n" + text},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("analysis: complete: %w", err)
	}
	span.SetAttributes(attribute.Int("llm.tokens.total", resp.Usage.TotalTokens))

	result, err := parseResponse(resp.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparseable response")
		return nil, err
	}
	return result, nil
}

// transcriptBudget returns how many tokens the transcript may occupy, or 0
// for no limit.
func (a *Analyzer) transcriptBudget(system string) int {
	caps := a.llm.Capabilities()
	if caps.ContextWindow <= 0 {
		return 0
	}
	reserve := a.maxTokens
	if reserve <= 0 {
		reserve = caps.MaxOutputTokens
	}
	budget := caps.ContextWindow - reserve - llm.EstimateTokens(system) - promptMargin
	return max(budget, 1)
}

func buildSystemPrompt(p *plan.ResearchPlan) string {
	title, framework, language := "(untitled)", "(none given; use your judgement)", plan.DefaultLanguage
	if p != nil {
		if p.Title != "" {
			title = p.Title
		}
		if strings.TrimSpace(p.AnalysisFramework) != "" {
			framework = strings.TrimSpace(p.AnalysisFramework)
		}
		language = p.Language()
	}
	return fmt.Sprintf(systemPromptTemplate, title, framework, language)
}

// formatTranscript renders entries one per line as "SPEAKER: text". With a
// positive budget, whole entries are dropped from the front until the rest
// fits. It returns the rendered text and the number of dropped entries.
func formatTranscript(entries []memory.TranscriptEntry, budget int) (string, int) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		lines = append(lines, strings.ToUpper(e.Speaker)+": "+e.Text)
	}

	dropped := 0
	if budget > 0 {
		total := 0
		for _, l := range lines {
			total += llm.EstimateTokens(l) + 1
		}
		for total > budget && len(lines) > 1 {
			total -= llm.EstimateTokens(lines[0]) + 1
			lines = lines[1:]
			dropped++
		}
	}

	text := strings.Join(lines, "\n")
	if dropped > 0 {
		text = omittedMarker + "\n" + text
	}
	return text, dropped
}

func hasText(entries []memory.TranscriptEntry) bool {
	for _, e := range entries {
		if strings.TrimSpace(e.Text) != "" {
			return true
		}
	}
	return false
}

// parseResponse decodes the model output into an Analysis. It tolerates
// markdown code fences and prose around the JSON object.
func parseResponse(content string) (*memory.Analysis, error) {
	cleaned := extractObject(stripMarkdown(content))

	var out memory.Analysis
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("analysis: parse response: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return nil, errors.New("analysis: parse response: missing summary")
	}

	for i := range out.Sentiment {
		if out.Sentiment[i].Color == "" {
			out.Sentiment[i].Color = defaultColors[strings.ToLower(out.Sentiment[i].Name)]
		}
	}
	if out.Sentiment == nil {
		out.Sentiment = []memory.SentimentSlice{}
	}
	if out.Keywords == nil {
		out.Keywords = []memory.Keyword{}
	}
	if out.Themes == nil {
		out.Themes = []memory.Theme{}
	}
	return &out, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// extractObject trims anything before the first '{' and after the last '}'.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

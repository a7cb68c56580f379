// Package plan defines the research plan that drives a voice interview.
//
// A plan is produced upstream (drafted by a model and reviewed by a
// researcher) and handed to the interview engine as a YAML or JSON document.
// The engine only needs the system instruction and the voice settings; the
// rest travels with the session record so the analysis step can use it.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ResearchPlan.ApplyDefaults].
const (
	DefaultVoice    = "Zephyr"
	DefaultLanguage = "zh"
)

// QuestionType classifies how a question is asked.
type QuestionType string

const (
	QuestionOpen   QuestionType = "open"
	QuestionScale  QuestionType = "scale"
	QuestionChoice QuestionType = "choice"
)

// IsValid reports whether t is a known question type.
func (t QuestionType) IsValid() bool {
	switch t {
	case QuestionOpen, QuestionScale, QuestionChoice:
		return true
	}
	return false
}

// Question is one item of the interview guide.
type Question struct {
	ID     string       `yaml:"id"     json:"id"`
	Text   string       `yaml:"text"   json:"text"`
	Type   QuestionType `yaml:"type"   json:"type"`
	Intent string       `yaml:"intent" json:"intent"`

	// Options lists the answers offered by a choice question.
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`

	// ScaleLabels names the ends of a scale question, e.g.
	// ["Strongly disagree", "Strongly agree"].
	ScaleLabels []string `yaml:"scale_labels,omitempty" json:"scaleLabels,omitempty"`
}

// VoiceSettings selects how the interviewer sounds.
type VoiceSettings struct {
	Gender    string `yaml:"gender"     json:"gender"`
	Language  string `yaml:"language"   json:"language"`
	Tone      string `yaml:"tone"       json:"tone"`
	VoiceName string `yaml:"voice_name" json:"voiceName"`
}

// ResearchPlan is the input to one interview.
type ResearchPlan struct {
	Title             string         `yaml:"title"              json:"title"`
	LogicOutline      string         `yaml:"logic_outline"      json:"logicOutline"`
	AnalysisFramework string         `yaml:"analysis_framework" json:"analysisFramework"`
	SystemInstruction string         `yaml:"system_instruction" json:"systemInstruction"`
	Questions         []Question     `yaml:"questions"          json:"questions"`
	VoiceSettings     *VoiceSettings `yaml:"voice_settings,omitempty" json:"voiceSettings,omitempty"`
}

// Voice returns the configured voice name or [DefaultVoice].
func (p *ResearchPlan) Voice() string {
	if p.VoiceSettings != nil && p.VoiceSettings.VoiceName != "" {
		return p.VoiceSettings.VoiceName
	}
	return DefaultVoice
}

// Language returns the configured interview language or [DefaultLanguage].
func (p *ResearchPlan) Language() string {
	if p.VoiceSettings != nil && p.VoiceSettings.Language != "" {
		return strings.ToLower(p.VoiceSettings.Language)
	}
	return DefaultLanguage
}

// ApplyDefaults fills in missing voice settings and question types.
func (p *ResearchPlan) ApplyDefaults() {
	if p.VoiceSettings == nil {
		p.VoiceSettings = &VoiceSettings{}
	}
	p.VoiceSettings.VoiceName = p.Voice()
	p.VoiceSettings.Language = p.Language()
	for i := range p.Questions {
		q := &p.Questions[i]
		if q.Type == "" {
			q.Type = QuestionOpen
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
	}
}

// Validate checks the plan and returns every problem found, joined.
func (p *ResearchPlan) Validate() error {
	var errs []error
	if strings.TrimSpace(p.SystemInstruction) == "" {
		errs = append(errs, errors.New("plan: system_instruction is required"))
	}
	if lang := p.Language(); lang != "zh" && lang != "en" {
		errs = append(errs, fmt.Errorf("plan: voice_settings.language %q is not supported (want zh or en)", lang))
	}
	seen := make(map[string]int, len(p.Questions))
	for i, q := range p.Questions {
		if strings.TrimSpace(q.Text) == "" {
			errs = append(errs, fmt.Errorf("plan: questions[%d]: text is required", i))
		}
		if q.Type != "" && !q.Type.IsValid() {
			errs = append(errs, fmt.Errorf("plan: questions[%d]: unknown type %q", i, q.Type))
		}
		if q.Type == QuestionChoice && len(q.Options) == 0 {
			errs = append(errs, fmt.Errorf("plan: questions[%d]: choice question needs options", i))
		}
		if q.ID == "" {
			continue
		}
		if j, dup := seen[q.ID]; dup {
			errs = append(errs, fmt.Errorf("plan: questions[%d]: id %q already used by questions[%d]", i, q.ID, j))
		}
		seen[q.ID] = i
	}
	return errors.Join(errs...)
}

// Format selects the document encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// Load reads a plan from path. Files ending in .json are decoded as JSON,
// everything else as YAML.
func Load(path string) (*ResearchPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plan: open %q: %w", path, err)
	}
	defer f.Close()

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	p, err := Parse(f, format)
	if err != nil {
		return nil, fmt.Errorf("plan: %q: %w", path, err)
	}
	return p, nil
}

// Parse decodes, defaults and validates a plan. Unknown fields are rejected so
// typos in hand-edited plans surface early.
func Parse(r io.Reader, format Format) (*ResearchPlan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("plan: read: %w", err)
	}

	var p ResearchPlan
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("plan: decode json: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("plan: empty document")
			}
			return nil, fmt.Errorf("plan: decode yaml: %w", err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	return &p, nil
}

package memory

import "time"

// Speaker labels stored with each transcript entry.
const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"
)

// TranscriptEntry is one turn of the interview dialogue as persisted.
type TranscriptEntry struct {
	// Speaker is SpeakerUser or SpeakerAgent.
	Speaker string `json:"speaker"`

	// Text is the reconciled text of the turn.
	Text string `json:"text"`

	// Timestamp is when the turn started.
	Timestamp time.Time `json:"timestamp"`
}

// SentimentSlice is one segment of the sentiment breakdown, e.g.
// {"Positive", 60, "#22c55e"}.
type SentimentSlice struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// Keyword is a frequently used word and how often it occurred.
type Keyword struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Theme is a recurring topic and how many times it came up.
type Theme struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Analysis is the model-generated digest of one interview.
type Analysis struct {
	Summary   string           `json:"summary"`
	Sentiment []SentimentSlice `json:"sentiment"`
	Keywords  []Keyword        `json:"keywords"`
	Themes    []Theme          `json:"themes"`
}

// SessionRecord is everything kept about a finished interview.
type SessionRecord struct {
	// ID uniquely identifies the interview (a UUID).
	ID string `json:"id"`

	// PlanTitle is the title of the research plan that drove the interview.
	PlanTitle string `json:"planTitle"`

	// Language is the interview language, "zh" or "en".
	Language string `json:"language"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	// EndReason records why the interview ended, e.g. "closing_phrase".
	EndReason string `json:"endReason"`

	// Error is the connection failure that ended the interview early, if any.
	Error string `json:"error,omitempty"`

	Transcript []TranscriptEntry `json:"transcript"`

	// Analysis is nil when analysis was disabled or failed.
	Analysis *Analysis `json:"analysis,omitempty"`
}

// Duration returns how long the interview lasted.
func (r SessionRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

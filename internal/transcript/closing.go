package transcript

import (
	"strings"

	"github.com/MrWong99/insightflow/internal/transcript/phonetic"
)

// Languages with built-in closing phrases.
const (
	LanguageChinese = "zh"
	LanguageEnglish = "en"
)

var defaultClosingPhrases = map[string][]string{
	LanguageChinese: {"访谈结束", "感谢您的参与", "再见"},
	LanguageEnglish: {"interview is over", "thank you", "goodbye", "end of interview"},
}

// DefaultClosingPhrases returns the built-in closing phrases for language.
// Unknown languages fall back to Chinese.
func DefaultClosingPhrases(language string) []string {
	p, ok := defaultClosingPhrases[strings.ToLower(language)]
	if !ok {
		p = defaultClosingPhrases[LanguageChinese]
	}
	out := make([]string, len(p))
	copy(out, p)
	return out
}

// ClosingDetector recognises the agent's closing remark in a finished entry.
//
// Matching is a case-insensitive substring test. When a phonetic matcher is
// attached, phrases in space-delimited scripts also match approximately, which
// catches recognition drift such as "interview is ovr". This is a heuristic:
// the agent is only asked, not forced, to say one of the phrases.
type ClosingDetector struct {
	phrases []string
	matcher *phonetic.Matcher
}

// NewClosingDetector returns a detector for phrases. A nil matcher disables
// approximate matching.
func NewClosingDetector(phrases []string, matcher *phonetic.Matcher) *ClosingDetector {
	d := &ClosingDetector{matcher: matcher}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// Match returns the first phrase found in text.
func (d *ClosingDetector) Match(text string) (phrase string, ok bool) {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	if d.matcher == nil {
		return "", false
	}
	for _, p := range d.phrases {
		if !strings.Contains(p, " ") {
			continue
		}
		if _, found := d.matcher.Find(text, p); found {
			return p, true
		}
	}
	return "", false
}

// Package phonetic finds approximate occurrences of a known phrase inside
// recognised speech, tolerating the small spelling drift that speech
// transcription introduces ("interview is ovr", "good bye").
//
// The algorithm slides a word window over the text and scores each window
// against the phrase:
//
//  1. Jaro-Winkler similarity is computed on the window joined with spaces
//     and on the window with spaces removed; the better score counts.
//
//  2. When every word of the window shares a Double Metaphone code with the
//     phrase word at the same position, the window is a phonetic candidate
//     and is accepted at the lower phonetic threshold. Otherwise the higher
//     fuzzy threshold applies.
//
//  3. A window with as many words as the phrase must also align word by
//     word: each word either sounds like or is spelled close to the phrase
//     word at its position. A long shared prefix alone never matches
//     ("interview is about" is not "interview is over").
//
//  4. Windows one word shorter or longer than the phrase only model split
//     and merged words. They are compared with spaces removed, must have
//     nearly the same length as the phrase and use the stricter split
//     threshold.
//
// Only scripts that separate words with spaces benefit from this; text in
// other scripts should be matched exactly by the caller.
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.88
	defaultFuzzyThreshold    = 0.92
	defaultSplitThreshold    = 0.95
	defaultMinPhraseLen      = 10

	// minWordScore is the Jaro-Winkler score a window word needs against the
	// phrase word at its position when the two do not sound alike.
	minWordScore = 0.8

	// maxSplitDrift is the largest difference, in runes, between a split or
	// merged window and the phrase once spaces are removed.
	maxSplitDrift = 1
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window
// whose words sound like the phrase words. Default: 0.88.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window that
// is not a phonetic candidate. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithSplitThreshold sets the minimum Jaro-Winkler score for a window one
// word shorter or longer than the phrase. Default: 0.95.
func WithSplitThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.splitThreshold = threshold
	}
}

// WithMinPhraseLen sets the shortest phrase, in runes, that is matched
// approximately. Shorter phrases never match: short phrases collide with
// ordinary words too easily ("thank you" / "think you"). Default: 10.
func WithMinPhraseLen(n int) Option {
	return func(m *Matcher) {
		m.minPhraseLen = n
	}
}

// Matcher is an approximate phrase matcher. All methods are safe for
// concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	splitThreshold    float64
	minPhraseLen      int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		splitThreshold:    defaultSplitThreshold,
		minPhraseLen:      defaultMinPhraseLen,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find reports whether text contains an approximate occurrence of phrase and
// returns the best window score. Matching is case-insensitive and ignores
// punctuation.
func (m *Matcher) Find(text, phrase string) (score float64, found bool) {
	phraseTokens := Tokenize(phrase)
	if len(phraseTokens) == 0 {
		return 0, false
	}
	phraseFull := strings.Join(phraseTokens, " ")
	if utf8.RuneCountInString(phraseFull) < m.minPhraseLen {
		return 0, false
	}
	textTokens := Tokenize(text)
	if len(textTokens) == 0 {
		return 0, false
	}

	phraseCodes := make([]map[string]struct{}, len(phraseTokens))
	for i, t := range phraseTokens {
		phraseCodes[i] = codesForTokens([]string{t})
	}

	n := len(phraseTokens)
	phraseJoined := strings.Join(phraseTokens, "")
	phraseRunes := utf8.RuneCountInString(phraseJoined)
	for size := max(1, n-1); size <= n+1; size++ {
		for start := 0; start+size <= len(textTokens); start++ {
			window := textTokens[start : start+size]

			var s, threshold float64
			if size == n {
				if !alignsWith(window, phraseTokens, phraseCodes) {
					continue
				}
				s = bestJWScore(window, phraseTokens, phraseFull)
				threshold = m.fuzzyThreshold
				if sameSounds(window, phraseCodes) {
					threshold = m.phoneticThreshold
				}
			} else {
				joined := strings.Join(window, "")
				if abs(utf8.RuneCountInString(joined)-phraseRunes) > maxSplitDrift {
					continue
				}
				s = matchr.JaroWinkler(joined, phraseJoined, false)
				threshold = max(m.fuzzyThreshold, m.splitThreshold)
			}
			if s >= threshold && s > score {
				score, found = s, true
			}
		}
	}
	return score, found
}

// Tokenize lower-cases s and splits it into words, dropping punctuation.
// Apostrophes inside words are kept ("don't").
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// sameSounds reports whether every window word shares a Double Metaphone
// code with the phrase word at the same position.
func sameSounds(window []string, phraseCodes []map[string]struct{}) bool {
	for i, w := range window {
		if !codesOverlap(codesForTokens([]string{w}), phraseCodes[i]) {
			return false
		}
	}
	return true
}

// alignsWith reports whether every window word sounds like or is spelled
// close to the phrase word at the same position.
func alignsWith(window, phraseTokens []string, phraseCodes []map[string]struct{}) bool {
	for i, w := range window {
		if codesOverlap(codesForTokens([]string{w}), phraseCodes[i]) {
			continue
		}
		if matchr.JaroWinkler(w, phraseTokens[i], false) < minWordScore {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore returns the higher Jaro-Winkler similarity of the spaced and
// the space-stripped forms of window and phrase.
func bestJWScore(window, phraseTokens []string, phraseFull string) float64 {
	score := matchr.JaroWinkler(strings.Join(window, " "), phraseFull, false)
	if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(phraseTokens, ""), false); s > score {
		score = s
	}
	return score
}

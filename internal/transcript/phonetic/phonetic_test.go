package phonetic_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/insightflow/internal/transcript/phonetic"
)

func TestMatcher_ExactPhrase(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	score, found := m.Find("Alright, the interview is over now. Thanks!", "interview is over")
	if !found {
		t.Fatal("Find: found=false, want true")
	}
	if score < 0.999 {
		t.Errorf("score=%f, want 1 for an exact occurrence", score)
	}
}

func TestMatcher_MisspelledPhrase(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	score, found := m.Find("ok the INTERVIEW is ovr", "interview is over")
	if !found {
		t.Fatal("Find: found=false, want true")
	}
	if score < 0.92 {
		t.Errorf("score=%f, want >= 0.92", score)
	}
}

func TestMatcher_SplitWord(t *testing.T) {
	t.Parallel()

	m := phonetic.New(phonetic.WithMinPhraseLen(0))
	if _, found := m.Find("good bye everyone", "goodbye"); !found {
		t.Fatal("Find(good bye, goodbye): found=false, want true")
	}
}

func TestMatcher_ShortPhraseNeverFuzzy(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if _, found := m.Find("I think you are right", "thank you"); found {
		t.Fatal("short phrase matched approximately")
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	score, found := m.Find("let's talk about your weekend plans", "end of interview")
	if found {
		t.Fatalf("Find: found=true (score %f), want false", score)
	}
	if score != 0 {
		t.Errorf("score=%f, want 0", score)
	}
}

func TestMatcher_SharedPrefixIsNotAMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	for _, text := range []string{
		"Hello, this interview is about your daily commute. Shall we begin?",
		"The interview is open-ended, so feel free to elaborate.",
		"Our interview is going to take about ten minutes.",
		"This interview is",
		"the end of the survey",
	} {
		phrase := "interview is over"
		if text == "the end of the survey" {
			phrase = "end of interview"
		}
		if score, found := m.Find(text, phrase); found {
			t.Errorf("Find(%q, %q) = %f, want no match", text, phrase, score)
		}
	}
}

func TestMatcher_MergedWords(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if _, found := m.Find("and that is the endof interview", "end of interview"); !found {
		t.Fatal("Find: merged words not matched")
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, found := m.Find("the interview is ovr", "interview is over"); found {
		t.Fatal("threshold=0.99 should reject near-matches")
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if _, found := m.Find("", "interview is over"); found {
		t.Error("empty text matched")
	}
	if _, found := m.Find("interview is over", ""); found {
		t.Error("empty phrase matched")
	}
	if _, found := m.Find("!!! ...", "interview is over"); found {
		t.Error("punctuation-only text matched")
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	got := phonetic.Tokenize("Don't, STOP!  the  end.")
	want := []string{"don't", "stop", "the", "end"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokenize = %q, want %q", got, want)
	}
}

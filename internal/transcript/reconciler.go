// Package transcript keeps the dialogue log of a live interview.
//
// Speech recognition for both parties arrives as small fragments, interleaved
// in arrival order. The [Reconciler] folds them into an ordered list of
// entries in which adjacent entries never share a speaker: a fragment from the
// same speaker as the last entry extends it, anything else opens a new entry.
//
// The package also detects the agent's closing remark ([ClosingDetector]),
// the soft signal used to end an interview once the agent says goodbye.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the interviewee at the microphone.
	SpeakerUser Speaker = "user"

	// SpeakerAgent is the remote voice agent conducting the interview.
	SpeakerAgent Speaker = "agent"
)

// Label returns the upper-case label used in the plain-text transcript.
func (s Speaker) Label() string { return strings.ToUpper(string(s)) }

// Entry is one contiguous turn by a single speaker.
type Entry struct {
	Speaker   Speaker
	Text      string
	CreatedAt time.Time
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithClock replaces the time source used for Entry.CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconciler merges transcript fragments into entries. Append must be called
// in arrival order. It is safe for concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewReconciler returns an empty Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Append applies one fragment. When the last entry belongs to speaker the
// fragment is concatenated onto it unchanged; otherwise a new entry starts.
// Empty fragments are ignored.
//
// The returned Entry is the updated or created entry. created reports whether
// a new entry was started, which also means the previous entry, if any, is
// now final.
func (r *Reconciler) Append(speaker Speaker, fragment string) (e Entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if fragment == "" {
		if n == 0 {
			return Entry{}, false
		}
		return r.entries[n-1], false
	}

	if n > 0 && r.entries[n-1].Speaker == speaker {
		r.entries[n-1].Text += fragment
		return r.entries[n-1], false
	}

	e = Entry{Speaker: speaker, Text: fragment, CreatedAt: r.now()}
	r.entries = append(r.entries, e)
	return e, true
}

// Entries returns a copy of all entries in order.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Last returns the most recent entry.
func (r *Reconciler) Last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

// Previous returns the entry before the last one. After Append reports a new
// entry, Previous is the entry that was just sealed.
func (r *Reconciler) Previous() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < 2 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-2], true
}

// Len returns the number of entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Text returns the transcript formatted with [Format].
func (r *Reconciler) Text() string {
	return Format(r.Entries())
}

// Format renders entries as "LABEL: text" lines joined by newlines.
func Format(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Speaker.Label())
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

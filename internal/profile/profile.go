// Package profile keeps the per-user learning state of the tutor: the
// explanation language, accumulated vocabulary, CEFR level and progress
// counters. Profiles live in memory behind per-user locks and are
// optionally written through to SQLite.
package profile

import (
	"slices"
	"strings"
	"time"
)

// DefaultLanguage is the explanation language of a new profile.
const DefaultLanguage = "English"

// DefaultLevel is the CEFR level of a new profile.
const DefaultLevel = "A1"

// KnownLanguages are the explanation languages the tutor is expected to
// meet. Any other non-empty label reported by the model is accepted
// verbatim.
var KnownLanguages = []string{"Russian", "English", "Turkish", "Spanish", "Farsi"}

// Levels are the CEFR levels in ascending order.
var Levels = []string{"A1", "A2", "B1", "B2", "C1", "C2"}

// Profile is one learner's state. Values returned by the Store are
// copies; mutate through Store.Update.
type Profile struct {
	UserID              string            `json:"user_id"`
	ExplanationLanguage string            `json:"explanation_language"`
	Vocabulary          []string          `json:"vocabulary"`
	Glosses             map[string]string `json:"glosses,omitempty"`
	Level               string            `json:"level"`
	Turns               int               `json:"turns"`
	Lessons             int               `json:"lessons"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// New returns the default profile for userID.
func New(userID string, now time.Time) Profile {
	return Profile{
		UserID:              userID,
		ExplanationLanguage: DefaultLanguage,
		Vocabulary:          []string{},
		Level:               DefaultLevel,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// HasWord reports whether word is already in the vocabulary. Matching
// is exact and case-sensitive.
func (p *Profile) HasWord(word string) bool {
	return slices.Contains(p.Vocabulary, word)
}

// AddWord appends word unless it is empty or already present. It
// reports whether the vocabulary changed.
func (p *Profile) AddWord(word string) bool {
	if word == "" || p.HasWord(word) {
		return false
	}
	p.Vocabulary = append(p.Vocabulary, word)
	return true
}

// SetGloss records a translation for word.
func (p *Profile) SetGloss(word, gloss string) {
	if gloss == "" {
		return
	}
	if p.Glosses == nil {
		p.Glosses = make(map[string]string)
	}
	p.Glosses[word] = gloss
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	out := p
	out.Vocabulary = slices.Clone(p.Vocabulary)
	if out.Vocabulary == nil {
		out.Vocabulary = []string{}
	}
	if p.Glosses != nil {
		out.Glosses = make(map[string]string, len(p.Glosses))
		for k, v := range p.Glosses {
			out.Glosses[k] = v
		}
	}
	return out
}

// MatchLanguage maps user input to a known language label, ignoring
// case. Unknown but non-empty input is returned trimmed with ok=false.
func MatchLanguage(s string) (label string, known bool) {
	s = strings.TrimSpace(s)
	for _, l := range KnownLanguages {
		if strings.EqualFold(l, s) {
			return l, true
		}
	}
	return s, false
}

// ParseLevel normalizes a CEFR level ("b1" → "B1").
func ParseLevel(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if slices.Contains(Levels, s) {
		return s, true
	}
	return "", false
}

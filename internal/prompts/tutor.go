package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/norsk-tutor/internal/directive"
)

// MaxSeedWords bounds how many vocabulary words seed a scheduled lesson.
const MaxSeedWords = 3

// Trigger says what started a turn.
type Trigger int

const (
	// Reactive turns answer a learner's message.
	Reactive Trigger = iota
	// Scheduled turns are proactive lessons pushed by a sweep.
	Scheduled
)

func (t Trigger) String() string {
	if t == Scheduled {
		return "scheduled"
	}
	return "reactive"
}

// Practice is the shape of a scheduled practice item.
type Practice string

// Practice items a scheduled lesson may take.
const (
	PracticeQuestion   Practice = "question"
	PracticeQuiz       Practice = "quiz"
	PracticeMiniLesson Practice = "mini-lesson"
)

// PracticeKinds is the fixed set scheduled lessons draw from.
var PracticeKinds = []Practice{PracticeQuestion, PracticeQuiz, PracticeMiniLesson}

// Context is everything one tutor prompt is built from.
type Context struct {
	// ExplanationLanguage is used verbatim in the instructions.
	ExplanationLanguage string
	// Level is the learner's CEFR level; empty omits it.
	Level   string
	Trigger Trigger
	// Message is the learner's text for reactive turns.
	Message string
	// SeedWords are vocabulary words to weave into a scheduled lesson.
	// At most MaxSeedWords are used.
	SeedWords []string
	// Practice selects the scheduled item; empty means mini-lesson.
	Practice Practice
}

const tutorRoleTemplate = `You are a friendly Norwegian tutor (bokmål). The learner's explanation language is %s.%s

Answer in this structure:
1. A short phrase or sentence in Norwegian.
2. An explanation written in %s. Do not switch the explanation to any other language.`

const reactiveTemplate = `

The learner wrote:
"""
%s
"""

If the message has mistakes, show the corrected Norwegian and explain each correction. Then reply to the learner in simple Norwegian so the conversation keeps going.`

const scheduledTemplate = `

Nobody has written to you; this is a scheduled practice message. Create one self-contained %s for the learner%s. Keep it short enough to read on a phone. If you ask something, do not give away the answer.`

const tagContract = `

After your answer, add machine tags, each on its own line at the very end:
%s <word>   once, with one new Norwegian word worth remembering from this exchange (a single word, no spaces)
%s <language>   once, with the language the learner writes in or asks to be taught in
Write each tag at most once and never explain the tags.`

// Build returns the tutor prompt for c. It is pure: the same Context
// always yields the same text.
func Build(c Context) string {
	var b strings.Builder

	level := ""
	if c.Level != "" {
		level = fmt.Sprintf(" Their Norwegian level is %s (CEFR); match your vocabulary and grammar to it.", c.Level)
	}
	fmt.Fprintf(&b, tutorRoleTemplate, c.ExplanationLanguage, level, c.ExplanationLanguage)

	switch c.Trigger {
	case Scheduled:
		practice := c.Practice
		if practice == "" {
			practice = PracticeMiniLesson
		}
		fmt.Fprintf(&b, scheduledTemplate, practice, seedClause(c.SeedWords))
	default:
		fmt.Fprintf(&b, reactiveTemplate, c.Message)
	}

	fmt.Fprintf(&b, tagContract, directive.AddWordMarker, directive.DetectedLanguageMarker)
	return b.String()
}

func seedClause(words []string) string {
	if len(words) > MaxSeedWords {
		words = words[:MaxSeedWords]
	}
	if len(words) == 0 {
		return " on an everyday topic suitable for their level"
	}
	return " that uses these words they already know: " + strings.Join(words, ", ")
}

// Package directive extracts the control tags a model embeds in its
// reply. Two markers are recognized anywhere in the text:
//
//	ADD_WORD: <word>        a Norwegian word to add to the vocabulary
//	DETECTED_LANG: <name>   the learner's explanation language
//
// Parsing is best effort and never fails; malformed tags simply yield
// no directive.
package directive

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nugget/norsk-tutor/internal/profile"
)

// Marker strings the model is instructed to emit.
const (
	AddWordMarker          = "ADD_WORD:"
	DetectedLanguageMarker = "DETECTED_LANG:"
)

// Kind identifies a directive.
type Kind int

const (
	// AddWord asks for a word to be appended to the vocabulary.
	AddWord Kind = iota + 1
	// DetectedLanguage reports the learner's explanation language.
	DetectedLanguage
)

func (k Kind) String() string {
	switch k {
	case AddWord:
		return "add_word"
	case DetectedLanguage:
		return "detected_language"
	default:
		return "unknown"
	}
}

// Directive is one decoded tag.
type Directive struct {
	Kind  Kind
	Value string
}

func (d Directive) String() string {
	return d.Kind.String() + "(" + d.Value + ")"
}

var markerPattern = regexp.MustCompile(`ADD_WORD:|DETECTED_LANG:`)

// Parse splits a raw model reply into the text to show the learner and
// the directives found in it, in order of appearance. ADD_WORD takes
// the next token on the same line. DETECTED_LANG takes the rest of the
// line up to the next marker. Lines emptied by tag removal are
// dropped, the gap left by a removed tag is closed and the result is
// trimmed.
func Parse(raw string) (string, []Directive) {
	if !strings.Contains(raw, AddWordMarker) && !strings.Contains(raw, DetectedLanguageMarker) {
		return strings.TrimSpace(raw), nil
	}

	var (
		directives []Directive
		kept       []string
	)
	for _, line := range strings.Split(raw, "\n") {
		locs := markerPattern.FindAllStringIndex(line, -1)
		if len(locs) == 0 {
			kept = append(kept, line)
			continue
		}

		var b strings.Builder
		write := func(text string, afterTag bool) {
			if afterTag && (b.Len() == 0 || strings.HasSuffix(b.String(), " ") || strings.HasSuffix(b.String(), "\t")) {
				text = strings.TrimLeft(text, " \t")
			}
			b.WriteString(text)
		}

		last := 0
		for i, loc := range locs {
			write(line[last:loc[0]], last > 0)

			end := len(line)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			span := line[loc[1]:end]

			if line[loc[0]:loc[1]] == AddWordMarker {
				rest := strings.TrimLeft(span, " \t")
				word := rest
				if j := strings.IndexFunc(rest, unicode.IsSpace); j >= 0 {
					word = rest[:j]
				}
				if word != "" {
					directives = append(directives, Directive{Kind: AddWord, Value: word})
				}
				last = loc[1] + len(span) - len(rest) + len(word)
				continue
			}

			if v := strings.TrimSpace(span); v != "" {
				directives = append(directives, Directive{Kind: DetectedLanguage, Value: v})
			}
			last = end
		}
		write(line[last:], true)

		rest := strings.TrimRight(b.String(), " \t\r")
		if strings.TrimSpace(rest) == "" {
			continue
		}
		kept = append(kept, rest)
	}

	return strings.TrimSpace(strings.Join(kept, "\n")), directives
}

// Apply mutates p according to ds: words are inserted if absent
// (case-sensitive), and the last DetectedLanguage wins. It returns the
// words actually added.
func Apply(p *profile.Profile, ds []Directive) []string {
	var added []string
	for _, d := range ds {
		switch d.Kind {
		case AddWord:
			if p.AddWord(d.Value) {
				added = append(added, d.Value)
			}
		case DetectedLanguage:
			p.ExplanationLanguage = d.Value
		}
	}
	return added
}

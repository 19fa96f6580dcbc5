package tutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/prompts"
	"github.com/nugget/norsk-tutor/internal/usage"
)

const helpText = `Skriv til meg på norsk! Write to me in Norwegian and I'll correct it and explain.

/add <word>   save a Norwegian word (with translation)
/words        list your saved words
/lang <name>  explain in another language (Russian, English, Turkish, Spanish, Farsi, …)
/level <A1–C2> set your level
/reset        start over with a fresh profile
/help         this message`

// HandleInbound is the single entry point for learner messages. Slash
// commands are handled locally; everything else is a reactive turn.
func (e *Engine) HandleInbound(ctx context.Context, userID, text string) (string, error) {
	if userID == "" {
		return "", ErrNoUser
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return helpText, nil
	}
	if !strings.HasPrefix(text, "/") {
		return e.OnMessage(ctx, userID, text)
	}

	name, args := splitCommand(text)
	e.logger.Debug("command received", "user_id", userID, "command", name)

	switch name {
	case "start":
		return e.cmdStart(userID), nil
	case "reset":
		return e.cmdReset(userID), nil
	case "lang":
		return e.cmdLang(userID, args), nil
	case "level":
		return e.cmdLevel(userID, args), nil
	case "add":
		return e.cmdAdd(ctx, userID, args), nil
	case "words":
		return e.cmdWords(userID), nil
	case "help":
		return helpText, nil
	default:
		return fmt.Sprintf("Unknown command /%s.\n\n%s", name, helpText), nil
	}
}

// splitCommand turns "/add@norskbot god morgen" into ("add", "god morgen").
func splitCommand(text string) (string, string) {
	text = strings.TrimPrefix(text, "/")
	name, args, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (e *Engine) cmdStart(userID string) string {
	p := e.store.GetOrCreate(userID)
	return fmt.Sprintf("Hei! 🇳🇴 I'm your Norwegian tutor. I'll explain things in %s, and you'll get a short lesson a few times a day.\n\n%s",
		p.ExplanationLanguage, helpText)
}

func (e *Engine) cmdReset(userID string) string {
	e.store.Reset(userID)
	e.bus.Emit(events.SourceTutor, events.KindProfileReset, map[string]any{"user_id": userID})
	return "Profilen er nullstilt. Your profile is reset; we start again from " + profile.DefaultLevel + "."
}

func (e *Engine) cmdLang(userID, args string) string {
	if args == "" {
		p := e.store.GetOrCreate(userID)
		return fmt.Sprintf("I explain in %s. Usage: /lang <language>, e.g. /lang %s",
			p.ExplanationLanguage, strings.Join(profile.KnownLanguages, ", "))
	}

	label, _ := profile.MatchLanguage(args)
	e.store.GetOrCreate(userID)
	var from string
	e.store.Update(userID, func(p *profile.Profile) {
		from = p.ExplanationLanguage
		p.ExplanationLanguage = label
	})
	if from != label {
		e.bus.Emit(events.SourceTutor, events.KindLanguageChanged, map[string]any{
			"user_id": userID,
			"from":    from,
			"to":      label,
		})
	}
	return fmt.Sprintf("Greit! From now on I'll explain in %s.", label)
}

func (e *Engine) cmdLevel(userID, args string) string {
	level, ok := profile.ParseLevel(args)
	if !ok {
		p := e.store.GetOrCreate(userID)
		return fmt.Sprintf("Your level is %s. Usage: /level <%s>", p.Level, strings.Join(profile.Levels, "|"))
	}
	e.store.GetOrCreate(userID)
	e.store.Update(userID, func(p *profile.Profile) { p.Level = level })
	return fmt.Sprintf("Nivå satt til %s.", level)
}

// cmdAdd saves a word with a model-provided translation. When the model
// fails the word is saved without one.
func (e *Engine) cmdAdd(ctx context.Context, userID, word string) string {
	if word == "" {
		return "Usage: /add bok"
	}
	p := e.store.GetOrCreate(userID)
	if p.HasWord(word) {
		return fmt.Sprintf("«%s» is already in your list.", word)
	}

	gloss, err := e.complete(usage.WithCall(ctx, userID, "translate"), prompts.Translate(word, p.ExplanationLanguage))
	if err != nil {
		e.logger.Warn("translation failed, saving word without gloss",
			"user_id", userID,
			"word", word,
			"error", err,
		)
		gloss = ""
	}
	gloss = firstLine(gloss)

	var added bool
	e.store.Update(userID, func(p *profile.Profile) {
		added = p.AddWord(word)
		if added {
			p.SetGloss(word, gloss)
		}
	})
	if !added {
		return fmt.Sprintf("«%s» is already in your list.", word)
	}
	e.bus.Emit(events.SourceTutor, events.KindWordsAdded, map[string]any{
		"user_id": userID,
		"words":   []string{word},
	})

	if gloss == "" {
		return fmt.Sprintf("Ordet er lagt til ✅ «%s»", word)
	}
	return fmt.Sprintf("Ordet er lagt til ✅ «%s»: %s", word, gloss)
}

func (e *Engine) cmdWords(userID string) string {
	p := e.store.GetOrCreate(userID)
	if len(p.Vocabulary) == 0 {
		return "You have no saved words yet. Try /add hus"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dine ord (%d):", len(p.Vocabulary))
	for _, w := range p.Vocabulary {
		if g := p.Glosses[w]; g != "" {
			fmt.Fprintf(&b, "\n• %s: %s", w, g)
		} else {
			fmt.Fprintf(&b, "\n• %s", w)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	line, _, _ := strings.Cut(s, "\n")
	return strings.Trim(strings.TrimSpace(line), `"«»`)
}

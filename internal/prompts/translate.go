package prompts

import "fmt"

const translateTemplate = `Translate the Norwegian word "%s" into %s.
Reply with the translation only, on one line, without quotes or commentary.`

// Translate returns the prompt used by the /add command to gloss a
// Norwegian word in the learner's explanation language.
func Translate(word, language string) string {
	return fmt.Sprintf(translateTemplate, word, language)
}

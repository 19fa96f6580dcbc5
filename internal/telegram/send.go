package telegram

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/nugget/norsk-tutor/internal/format"
)

// MaxChunkRunes keeps each message well under Telegram's 4096
// character limit once HTML escaping is applied.
const MaxChunkRunes = 3500

// Chunk splits text into pieces of at most limit runes, preferring
// paragraph breaks, then line breaks, then spaces.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = MaxChunkRunes
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		head := prefixRunes(text, limit)
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(head, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(head)
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// prefixRunes returns the first n runes of s.
func prefixRunes(s string, n int) string {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

// SendText sends markdown to chatID as one or more HTML messages. A
// chunk Telegram refuses to parse is resent as plain text.
func (a *API) SendText(ctx context.Context, chatID int64, markdown string) error {
	for _, chunk := range Chunk(markdown, MaxChunkRunes) {
		err := a.SendMessage(ctx, chatID, format.TelegramHTML(chunk), ParseModeHTML)
		if err == nil {
			continue
		}
		if !IsParseError(err) {
			return err
		}
		a.logger.Debug("telegram rejected HTML, resending as plain text", "chat_id", chatID, "error", err)
		if err := a.SendMessage(ctx, chatID, format.PlainText(chunk), ParseModeNone); err != nil {
			return err
		}
	}
	return nil
}

package msgfmt

import "strings"

// markdownV2Reserved lists characters Telegram MarkdownV2 requires to be escaped.
const markdownV2Reserved = "\\_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes every MarkdownV2 reserved character with a backslash.
// Params: literal text.
// Returns: text safe to embed in MarkdownV2 outside code entities.
func EscapeMarkdownV2(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeCode escapes text placed inside `code` or ```pre``` entities.
// Params: literal text.
// Returns: text with backslash and backtick escaped.
func EscapeCode(text string) string {
	if !strings.ContainsAny(text, "\\`") {
		return text
	}
	replacer := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return replacer.Replace(text)
}

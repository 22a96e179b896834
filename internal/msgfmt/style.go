package msgfmt

import (
	"strings"

	"tgmonitor/internal/domain"
)

// MergeStyles ORs every style flag across matched rules.
// Params: matched rules.
// Returns: merged style flags.
func MergeStyles(rules []domain.KeywordRule) domain.StyleFlags {
	var merged domain.StyleFlags
	for _, rule := range rules {
		merged.Bold = merged.Bold || rule.Bold
		merged.Italic = merged.Italic || rule.Italic
		merged.Underline = merged.Underline || rule.Underline
		merged.Strikethrough = merged.Strikethrough || rule.Strikethrough
		merged.Quote = merged.Quote || rule.Quote
		merged.Monospace = merged.Monospace || rule.Monospace
		merged.Spoiler = merged.Spoiler || rule.Spoiler
	}
	return merged
}

// Render escapes text and wraps it with MarkdownV2 style markers.
// Monospace excludes every other inline style; quote is applied last to the styled result.
// Params: literal text and style flags.
// Returns: MarkdownV2 fragment.
func Render(text string, style domain.StyleFlags) string {
	var result string
	if style.Monospace {
		result = "`" + EscapeCode(text) + "`"
	} else {
		result = EscapeMarkdownV2(text)
		if style.Bold {
			result = "*" + result + "*"
		}
		if style.Italic && style.Underline {
			result = "___" + result + "_**__"
		} else {
			if style.Italic {
				result = "_" + result + "_"
			}
			if style.Underline {
				result = "__" + result + "__"
			}
		}
		if style.Strikethrough {
			result = "~" + result + "~"
		}
		if style.Spoiler {
			result = "||" + result + "||"
		}
	}

	if style.Quote {
		result = "\n>" + strings.ReplaceAll(result, "\n", "\n> ")
	}
	return result
}

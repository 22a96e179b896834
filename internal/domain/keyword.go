package domain

import (
	"fmt"
	"strings"
	"time"
)

// KeywordType selects how rule content is compared with message text.
// Params: numeric values are part of the public API and storage schema.
// Returns: match strategy for the keyword engine.
type KeywordType int

const (
	// KeywordFullWord requires the whole message to equal rule content.
	KeywordFullWord KeywordType = 0
	// KeywordContains requires rule content to appear inside the message.
	KeywordContains KeywordType = 1
	// KeywordRegex treats rule content as a regular expression.
	KeywordRegex KeywordType = 2
	// KeywordFuzzy splits content on '?' and requires every segment.
	KeywordFuzzy KeywordType = 3
	// KeywordUser matches the sender id or username instead of text.
	KeywordUser KeywordType = 4
)

// String returns the lower-case type label used in logs and import files.
// Params: none.
// Returns: type label or "unknown(N)".
func (t KeywordType) String() string {
	switch t {
	case KeywordFullWord:
		return "fullword"
	case KeywordContains:
		return "contains"
	case KeywordRegex:
		return "regex"
	case KeywordFuzzy:
		return "fuzzy"
	case KeywordUser:
		return "user"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether the type is one of the known strategies.
// Params: none.
// Returns: true for FullWord..User.
func (t KeywordType) Valid() bool {
	return t >= KeywordFullWord && t <= KeywordUser
}

// ParseKeywordType resolves a label produced by String.
// Params: case-insensitive label.
// Returns: keyword type or error for unknown label.
func ParseKeywordType(label string) (KeywordType, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "fullword", "full_word":
		return KeywordFullWord, nil
	case "", "contains":
		return KeywordContains, nil
	case "regex":
		return KeywordRegex, nil
	case "fuzzy":
		return KeywordFuzzy, nil
	case "user":
		return KeywordUser, nil
	default:
		return 0, fmt.Errorf("%w: unknown keyword type %q", ErrInvalidInput, label)
	}
}

// KeywordAction decides what happens to a message that matched a rule.
// Params: numeric values are part of the public API and storage schema.
// Returns: exclude or monitor classification.
type KeywordAction int

const (
	// ActionExclude suppresses the message.
	ActionExclude KeywordAction = 0
	// ActionMonitor forwards the message.
	ActionMonitor KeywordAction = 1
)

// String returns the lower-case action label.
// Params: none.
// Returns: "exclude", "monitor" or "unknown(N)".
func (a KeywordAction) String() string {
	switch a {
	case ActionExclude:
		return "exclude"
	case ActionMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Valid reports whether the action is known.
// Params: none.
// Returns: true for Exclude and Monitor.
func (a KeywordAction) Valid() bool {
	return a == ActionExclude || a == ActionMonitor
}

// ParseKeywordAction resolves a label produced by String.
// Params: case-insensitive label.
// Returns: keyword action or error for unknown label.
func ParseKeywordAction(label string) (KeywordAction, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "exclude":
		return ActionExclude, nil
	case "", "monitor":
		return ActionMonitor, nil
	default:
		return 0, fmt.Errorf("%w: unknown keyword action %q", ErrInvalidInput, label)
	}
}

// StyleFlags lists the inline styles a rule requests for forwarded text.
type StyleFlags struct {
	Bold          bool `json:"isBold"`
	Italic        bool `json:"isItalic"`
	Underline     bool `json:"isUnderline"`
	Strikethrough bool `json:"isStrikeThrough"`
	Quote         bool `json:"isQuote"`
	Monospace     bool `json:"isMonospace"`
	Spoiler       bool `json:"isSpoiler"`
}

// KeywordRule is one stored keyword with its match strategy, action and styles.
// Content is unique across the rule set; the storage layer enforces it.
type KeywordRule struct {
	ID            int64         `json:"id"`
	Content       string        `json:"keywordContent"`
	Type          KeywordType   `json:"keywordType"`
	Action        KeywordAction `json:"keywordAction"`
	CaseSensitive bool          `json:"isCaseSensitive"`
	StyleFlags
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MaxKeywordContentLen bounds keyword content length in characters.
const MaxKeywordContentLen = 255

// Validate checks content length and enum ranges.
// Params: none.
// Returns: ErrInvalidInput-wrapped error for bad fields.
func (r KeywordRule) Validate() error {
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return fmt.Errorf("%w: keywordContent is required", ErrInvalidInput)
	}
	if len([]rune(r.Content)) > MaxKeywordContentLen {
		return fmt.Errorf("%w: keywordContent must be at most %d characters", ErrInvalidInput, MaxKeywordContentLen)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: keywordType %d is not supported", ErrInvalidInput, int(r.Type))
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: keywordAction %d is not supported", ErrInvalidInput, int(r.Action))
	}
	return nil
}

// KeywordPatch carries a partial keyword update; nil fields are left unchanged.
type KeywordPatch struct {
	Content       *string        `json:"keywordContent,omitempty"`
	Type          *KeywordType   `json:"keywordType,omitempty"`
	Action        *KeywordAction `json:"keywordAction,omitempty"`
	CaseSensitive *bool          `json:"isCaseSensitive,omitempty"`
	Bold          *bool          `json:"isBold,omitempty"`
	Italic        *bool          `json:"isItalic,omitempty"`
	Underline     *bool          `json:"isUnderline,omitempty"`
	Strikethrough *bool          `json:"isStrikeThrough,omitempty"`
	Quote         *bool          `json:"isQuote,omitempty"`
	Monospace     *bool          `json:"isMonospace,omitempty"`
	Spoiler       *bool          `json:"isSpoiler,omitempty"`
}

// Apply overlays non-nil patch fields on a copy of rule.
// Params: rule to update.
// Returns: updated copy.
func (p KeywordPatch) Apply(rule KeywordRule) KeywordRule {
	if p.Content != nil {
		rule.Content = *p.Content
	}
	if p.Type != nil {
		rule.Type = *p.Type
	}
	if p.Action != nil {
		rule.Action = *p.Action
	}
	setBool(&rule.CaseSensitive, p.CaseSensitive)
	setBool(&rule.Bold, p.Bold)
	setBool(&rule.Italic, p.Italic)
	setBool(&rule.Underline, p.Underline)
	setBool(&rule.Strikethrough, p.Strikethrough)
	setBool(&rule.Quote, p.Quote)
	setBool(&rule.Monospace, p.Monospace)
	setBool(&rule.Spoiler, p.Spoiler)
	return rule
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

// NewKeywordRule returns a rule with default type and action.
// Params: keyword content.
// Returns: Contains/Monitor rule with no styles.
func NewKeywordRule(content string) KeywordRule {
	return KeywordRule{
		Content: content,
		Type:    KeywordContains,
		Action:  ActionMonitor,
	}
}

package storage

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"tgmonitor/internal/domain"
)

// keywordFile is the on-disk layout of keyword import/export files.
type keywordFile struct {
	Keywords []keywordEntry `yaml:"keywords"`
}

type keywordEntry struct {
	Content       string   `yaml:"content"`
	Type          string   `yaml:"type,omitempty"`
	Action        string   `yaml:"action,omitempty"`
	CaseSensitive bool     `yaml:"case_sensitive,omitempty"`
	Styles        []string `yaml:"styles,omitempty"`
}

var styleNames = []string{"bold", "italic", "underline", "strikethrough", "quote", "monospace", "spoiler"}

// EncodeYAML renders rules as a keyword file; ids and timestamps are not exported.
// Params: rules to export.
// Returns: YAML document.
func EncodeYAML(rules []domain.KeywordRule) ([]byte, error) {
	file := keywordFile{Keywords: make([]keywordEntry, 0, len(rules))}
	for _, rule := range rules {
		file.Keywords = append(file.Keywords, keywordEntry{
			Content:       rule.Content,
			Type:          rule.Type.String(),
			Action:        rule.Action.String(),
			CaseSensitive: rule.CaseSensitive,
			Styles:        stylesOf(rule.StyleFlags),
		})
	}
	return yaml.Marshal(file)
}

// DecodeYAML parses a keyword file.
// Params: YAML document; missing type/action default to contains/monitor.
// Returns: validated rules without ids, or ErrInvalidInput naming the bad entry.
func DecodeYAML(body []byte) ([]domain.KeywordRule, error) {
	var file keywordFile
	if err := yaml.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("%w: parse keyword file: %v", domain.ErrInvalidInput, err)
	}
	rules := make([]domain.KeywordRule, 0, len(file.Keywords))
	for index, entry := range file.Keywords {
		rule, err := entry.rule()
		if err != nil {
			return nil, fmt.Errorf("keywords[%d]: %w", index, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (e keywordEntry) rule() (domain.KeywordRule, error) {
	kind, err := domain.ParseKeywordType(e.Type)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	action, err := domain.ParseKeywordAction(e.Action)
	if err != nil {
		return domain.KeywordRule{}, err
	}
	rule := domain.KeywordRule{Content: e.Content, Type: kind, Action: action, CaseSensitive: e.CaseSensitive}
	for _, style := range e.Styles {
		if !setStyle(&rule.StyleFlags, style) {
			return domain.KeywordRule{}, fmt.Errorf("%w: unknown style %q", domain.ErrInvalidInput, style)
		}
	}
	if err := rule.Validate(); err != nil {
		return domain.KeywordRule{}, err
	}
	return rule, nil
}

func stylesOf(flags domain.StyleFlags) []string {
	enabled := []bool{flags.Bold, flags.Italic, flags.Underline, flags.Strikethrough, flags.Quote, flags.Monospace, flags.Spoiler}
	var out []string
	for index, on := range enabled {
		if on {
			out = append(out, styleNames[index])
		}
	}
	return out
}

func setStyle(flags *domain.StyleFlags, name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bold":
		flags.Bold = true
	case "italic":
		flags.Italic = true
	case "underline":
		flags.Underline = true
	case "strikethrough", "strike":
		flags.Strikethrough = true
	case "quote":
		flags.Quote = true
	case "monospace", "code":
		flags.Monospace = true
	case "spoiler":
		flags.Spoiler = true
	default:
		return false
	}
	return true
}

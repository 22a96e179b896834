package keyword

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"tgmonitor/internal/domain"
)

// MatchText returns text rules that match message text, in snapshot order.
// Params: message text and rule snapshot.
// Returns: matched non-user rules (nil when nothing matches).
func MatchText(text string, rules []domain.KeywordRule) []domain.KeywordRule {
	if text == "" || len(rules) == 0 {
		return nil
	}
	var matched []domain.KeywordRule
	for _, rule := range rules {
		if rule.Type == domain.KeywordUser {
			continue
		}
		if IsMatch(text, rule) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// MatchUser returns user rules that match the sender id or any sender username.
// Params: sender id, sender usernames, and rule snapshot.
// Returns: matched user rules in snapshot order.
func MatchUser(senderID int64, usernames []string, rules []domain.KeywordRule) []domain.KeywordRule {
	if len(rules) == 0 {
		return nil
	}
	senderKey := strconv.FormatInt(senderID, 10)
	var matched []domain.KeywordRule
	for _, rule := range rules {
		if rule.Type != domain.KeywordUser {
			continue
		}
		if matchUserRule(senderKey, usernames, rule) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// IsMatch evaluates one text rule against message text.
// Params: message text and rule.
// Returns: true when rule strategy accepts the text.
func IsMatch(text string, rule domain.KeywordRule) bool {
	if rule.Content == "" {
		return false
	}
	if rule.Type == domain.KeywordRegex {
		return matchRegex(rule.Content, text, rule.CaseSensitive)
	}

	content, message := rule.Content, text
	if !rule.CaseSensitive {
		content = strings.ToLower(content)
		message = strings.ToLower(message)
	}

	switch rule.Type {
	case domain.KeywordContains:
		return strings.Contains(message, content)
	case domain.KeywordFullWord:
		return message == content
	case domain.KeywordFuzzy:
		return matchFuzzy(content, message)
	default:
		return false
	}
}

// matchFuzzy requires every '?'-separated segment to be present in text.
// Params: normalized rule content and text.
// Returns: false when content has no non-blank segments.
func matchFuzzy(content, text string) bool {
	found := 0
	for _, part := range strings.Split(content, "?") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(text, part) {
			return false
		}
		found++
	}
	return found > 0
}

// matchRegex compiles (or reuses) the rule pattern; invalid patterns never match.
// Params: raw pattern, text, and case sensitivity.
// Returns: regexp match result.
func matchRegex(pattern, text string, caseSensitive bool) bool {
	compiled := patterns.get(pattern, caseSensitive)
	if compiled == nil {
		return false
	}
	return compiled.MatchString(text)
}

// matchUserRule compares one user rule with sender id and usernames.
// Params: decimal sender id, usernames, and rule.
// Returns: true on any equality.
func matchUserRule(senderKey string, usernames []string, rule domain.KeywordRule) bool {
	want := strings.TrimPrefix(rule.Content, "@")
	if !rule.CaseSensitive {
		want = strings.ToLower(want)
	}
	if want == "" {
		return false
	}
	if senderKey == want {
		return true
	}
	for _, username := range usernames {
		candidate := strings.TrimPrefix(username, "@")
		if !rule.CaseSensitive {
			candidate = strings.ToLower(candidate)
		}
		if candidate == want {
			return true
		}
	}
	return false
}

const patternCacheLimit = 1024

type patternKey struct {
	pattern       string
	caseSensitive bool
}

// patternCache memoises compiled rule patterns; invalid ones are stored as nil.
type patternCache struct {
	mu      sync.RWMutex
	entries map[patternKey]*regexp.Regexp
}

var patterns = &patternCache{entries: make(map[patternKey]*regexp.Regexp)}

// get returns a compiled pattern or nil when compilation fails.
// Params: raw pattern and case sensitivity.
// Returns: compiled regexp or nil.
func (c *patternCache) get(pattern string, caseSensitive bool) *regexp.Regexp {
	key := patternKey{pattern: pattern, caseSensitive: caseSensitive}
	c.mu.RLock()
	compiled, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return compiled
	}

	source := pattern
	if !caseSensitive {
		source = "(?i)" + pattern
	}
	compiled, err := regexp.Compile(source)
	if err != nil {
		compiled = nil
	}

	c.mu.Lock()
	if len(c.entries) >= patternCacheLimit {
		c.entries = make(map[patternKey]*regexp.Regexp)
	}
	c.entries[key] = compiled
	c.mu.Unlock()
	return compiled
}

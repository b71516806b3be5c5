package suggest

import (
	"regexp"
	"sort"
	"strings"
)

var (
	citationMarks = regexp.MustCompile(`【[^】]*】|\[\d+(?:\s*[,-]\s*\d+)*\]`)
	spaceRuns     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBefore   = regexp.MustCompile(`[ \t]+([.,!?;:])`)
)

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

// Sanitizer strips inline citation markers and rewrites outdated contact
// handles before a draft is shown to an operator.
type Sanitizer struct {
	replacements []replacement
}

// NewSanitizer compiles case-insensitive replacements. Longer handles are
// applied first so a prefix never shadows a full match.
func NewSanitizer(contacts map[string]string) *Sanitizer {
	keys := make([]string, 0, len(contacts))
	for k := range contacts {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	s := &Sanitizer{}
	for _, k := range keys {
		s.replacements = append(s.replacements, replacement{
			pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(k)),
			with:    contacts[k],
		})
	}
	return s
}

// Clean returns the sanitized draft.
func (s *Sanitizer) Clean(text string) string {
	text = citationMarks.ReplaceAllString(text, "")
	for _, r := range s.replacements {
		text = r.pattern.ReplaceAllLiteralString(text, r.with)
	}
	text = spaceBefore.ReplaceAllString(text, "$1")
	text = spaceRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

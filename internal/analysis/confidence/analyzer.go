package confidence

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Level 表示草稿的置信度
type Level string

const (
	High Level = "high"
	Low  Level = "low"
)

// Decision 给出置信度判定以及命中的模糊措辞。
type Decision struct {
	Level   Level
	Hedges  int
	Matched []string
}

// Analyzer counts hedging phrases. More than Threshold hits means low confidence.
type Analyzer struct {
	phrases   []string
	threshold int
}

// NewAnalyzer 创建分析器，短语按小写比较
func NewAnalyzer(phrases []string, threshold int) *Analyzer {
	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = normalize(p)
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	return &Analyzer{phrases: normalized, threshold: threshold}
}

// Analyze scores one draft. Each occurrence counts, so "maybe ... maybe" is two.
func (a *Analyzer) Analyze(draft string) Decision {
	text := normalize(draft)
	if text == "" {
		return Decision{Level: High}
	}

	var (
		hits    int
		matched []string
	)
	for _, phrase := range a.phrases {
		n := countPhrase(text, phrase)
		if n > 0 {
			hits += n
			matched = append(matched, phrase)
		}
	}

	level := High
	if hits > a.threshold {
		level = Low
	}
	return Decision{Level: level, Hedges: hits, Matched: matched}
}

// ContainsPhrase reports whether phrase occurs in text as whole words,
// ignoring case.
func ContainsPhrase(text, phrase string) bool {
	phrase = normalize(phrase)
	if phrase == "" {
		return false
	}
	return countPhrase(normalize(text), phrase) > 0
}

// countPhrase counts occurrences that start and end on word boundaries,
// so "maybe" does not match inside "maybelline".
func countPhrase(text, phrase string) int {
	count := 0
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			break
		}
		pos := start + idx
		end := pos + len(phrase)
		if boundaryBefore(text, pos) && boundaryAfter(text, end) {
			count++
		}
		_, size := utf8.DecodeRuneInString(text[pos:])
		start = pos + size
	}
	return count
}

func boundaryBefore(text string, pos int) bool {
	if pos <= 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:pos])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// normalize lowercases and folds typographic apostrophes.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

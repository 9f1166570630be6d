package extract

import (
	"strings"
	"unicode"
)

// SnippetForTheme returns up to length runes of content centered on the
// first occurrence of any word from label. It backs up to the previous
// sentence end when one is close, and falls back to the start of content.
func SnippetForTheme(content, label string, length int) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) == 0 {
		return ""
	}
	head := func() string {
		return strings.TrimSpace(string(runes[:min(length, len(runes))]))
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	best := -1
	for _, kw := range strings.Fields(strings.ToLower(label)) {
		kw = strings.TrimFunc(kw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if kw == "" {
			continue
		}
		if pos := indexRunes(lower, []rune(kw)); pos >= 0 && (best < 0 || pos < best) {
			best = pos
		}
	}
	if best < 0 {
		return head()
	}

	start := max(0, best-length/2)
	end := min(len(runes), best+length/2)
	if start > 0 {
		for i := start - 1; i >= 0 && i > start-100; i-- {
			if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
				start = i + 1
				break
			}
		}
	}

	snippet := strings.TrimSpace(string(runes[start:end]))
	if len([]rune(snippet)) < 50 && len(runes) > length {
		return head()
	}
	if r := []rune(snippet); len(r) > length {
		snippet = string(r[:length])
	}
	return snippet
}

func indexRunes(s, sub []rune) int {
	if len(sub) == 0 || len(sub) > len(s) {
		return -1
	}
outer:
	for i := 0; i+len(sub) <= len(s); i++ {
		for j := range sub {
			if s[i+j] != sub[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

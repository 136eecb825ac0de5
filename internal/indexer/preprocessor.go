package indexer

import (
	"strings"
	"unicode"
)

// Preprocess flattens extracted document text into a single line of words, the
// form snippets take in a prompt. Words hyphenated across a line break (common
// in PDF output) are rejoined, and invisible format characters such as a BOM or
// zero-width space are dropped.
func Preprocess(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '-' && i > 0 && unicode.IsLetter(runes[i-1]) {
			if j := skipLineBreak(runes, i+1); j > i+1 && j < len(runes) && unicode.IsLower(runes[j]) {
				i = j - 1
				continue
			}
		}
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// skipLineBreak returns the index after horizontal space, one newline and any
// indentation starting at i, or i when there is no line break there.
func skipLineBreak(runes []rune, i int) int {
	j := i
	for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t') {
		j++
	}
	if j < len(runes) && runes[j] == '\r' {
		j++
	}
	if j >= len(runes) || runes[j] != '\n' {
		return i
	}
	j++
	for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t') {
		j++
	}
	return j
}

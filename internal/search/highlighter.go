package search

import (
	"strings"
	"unicode/utf8"
)

// Highlight collapses whitespace in content and truncates it to maxLen runes.
func Highlight(content string, maxLen int) string {
	content = strings.Join(strings.Fields(content), " ")
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxLen]) + "..."
}

package extract

import (
	"strings"
	"unicode/utf8"
)

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// extractPlain decodes text files: a UTF-8 byte order mark is dropped, invalid
// sequences become U+FFFD and every line ending becomes "\n".
func extractPlain(content []byte) (string, error) {
	s := strings.TrimPrefix(string(content), "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	return newlines.Replace(s), nil
}

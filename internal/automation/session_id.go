package automation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const maxSessionIDLen = 128

// ExtractSessionID finds keyword (case-insensitive) in the newest matching
// line and returns the run of letters, digits and hyphens after it. Leading
// separators such as ':' or '=' are skipped. A run that ends on anything
// other than whitespace or end of line is rejected as malformed.
func ExtractSessionID(lines []string, keyword string) (string, bool) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return "", false
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := ansi.Strip(lines[i])
		from := 0
		for {
			idx := indexFold(line[from:], keyword)
			if idx < 0 {
				break
			}
			start := from + idx + len(keyword)
			if id, ok := scanID(line[start:]); ok {
				return id, true
			}
			from = start
		}
	}
	return "", false
}

// indexFold is a case-insensitive strings.Index. Offsets refer to s itself,
// so folds that change byte length (the Kelvin sign) cannot skew them.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func scanID(rest string) (string, bool) {
	trimmed := strings.TrimLeftFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":=#", r)
	})
	if len(trimmed) == len(rest) {
		// The keyword ran into more word characters ("sessions").
		return "", false
	}
	end := 0
	for end < len(trimmed) && isIDByte(trimmed[end]) {
		end++
	}
	if end == 0 || end > maxSessionIDLen {
		return "", false
	}
	if next := trimmed[end:]; next != "" && !endsID(next) {
		return "", false
	}
	id := trimmed[:end]
	if strings.Trim(id, "-") == "" {
		return "", false
	}
	return id, true
}

func endsID(next string) bool {
	return next[0] == ' ' || next[0] == '\t' || next[0] == '|' || strings.HasPrefix(next, "│")
}

func isIDByte(b byte) bool {
	return b == '-' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

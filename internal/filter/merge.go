package filter

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// wrapMargin absorbs the columns a stripped bullet or indent used to occupy.
const wrapMargin = 3

var (
	listMarkerPattern = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)
	separatorPattern  = regexp.MustCompile(`^\s*(?:[-=_*─━]\s*){3,}$`)
	headingPattern    = regexp.MustCompile(`^\s*#{1,6}\s`)
)

type lineKind int

const (
	kindProse lineKind = iota
	kindBlank
	kindFence
	kindList
	kindTable
	kindSeparator
	kindIndentedCode
	kindHeading
)

func classifyLine(line string) lineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return kindBlank
	case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
		return kindFence
	case strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t"):
		return kindIndentedCode
	case headingPattern.MatchString(line):
		return kindHeading
	case separatorPattern.MatchString(line):
		return kindSeparator
	case strings.HasPrefix(trimmed, "|"):
		return kindTable
	case listMarkerPattern.MatchString(line):
		return kindList
	default:
		return kindProse
	}
}

// MergeSoftWraps re-joins lines the terminal wrapped at cols back into logical
// lines. Fenced blocks, list items, table rows, separators, indented code and
// headings are hard breaks. A list item may absorb its own wrapped tail.
func MergeSoftWraps(lines []string, cols int) []string {
	if cols <= 0 || len(lines) < 2 {
		return append([]string(nil), lines...)
	}
	out := make([]string, 0, len(lines))
	lastWidth := 0
	lastKind := kindBlank
	inFence := false
	for _, line := range lines {
		kind := classifyLine(line)
		if kind == kindFence {
			inFence = !inFence
			out = append(out, line)
			lastKind = kindFence
			continue
		}
		if inFence {
			out = append(out, line)
			lastKind = kindFence
			continue
		}
		width := runewidth.StringWidth(line)
		if kind == kindProse && (lastKind == kindProse || lastKind == kindList) &&
			!endsSentence(out[len(out)-1]) && wrapped(lastWidth, line, cols) {
			joined := strings.TrimRight(out[len(out)-1], " ") + " " + strings.TrimSpace(line)
			out[len(out)-1] = joined
			lastWidth = width
			continue
		}
		out = append(out, line)
		lastWidth = width
		lastKind = kind
	}
	return out
}

// wrapped reports whether next's first word could not have fit on the
// previous row, which is what a word-wrapping renderer leaves behind.
func wrapped(prevWidth int, next string, cols int) bool {
	fields := strings.Fields(next)
	if len(fields) == 0 {
		return false
	}
	return prevWidth+1+runewidth.StringWidth(fields[0]) > cols-wrapMargin
}

func endsSentence(line string) bool {
	trimmed := strings.TrimRight(line, " ")
	return strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, ":")
}

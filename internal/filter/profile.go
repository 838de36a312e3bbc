package filter

import (
	"strings"

	"github.com/g960059/termrelay/internal/model"
)

// Profile describes how one CLI tool draws its prompt and its reply bullets.
// Profiles form a closed set selected by ProfileFor; adding a tool means adding
// a model.TerminalType and a case here.
type Profile struct {
	Tool          model.TerminalType
	PromptMarkers []string
	BulletMarkers []string
	// ReadyMarkers end the cursor line once the tool accepts input.
	ReadyMarkers []string
}

var (
	claudeProfile = Profile{
		Tool:          model.TerminalClaude,
		PromptMarkers: []string{">", "❯"},
		BulletMarkers: []string{"⏺", "●"},
		ReadyMarkers:  []string{">", "❯"},
	}
	codexProfile = Profile{
		Tool:          model.TerminalCodex,
		PromptMarkers: []string{"›", "▌"},
		BulletMarkers: []string{"•"},
		ReadyMarkers:  []string{"›", "▌"},
	}
	geminiProfile = Profile{
		Tool:          model.TerminalGemini,
		PromptMarkers: []string{"›", ">"},
		BulletMarkers: []string{"✦"},
		ReadyMarkers:  []string{"›", ">"},
	}
	shellProfile = Profile{
		Tool:          model.TerminalShell,
		PromptMarkers: []string{"$", "#", "%", "❯"},
		ReadyMarkers:  []string{"$", "#", "%", ">", "❯"},
	}
)

func ProfileFor(tool model.TerminalType) Profile {
	switch tool {
	case model.TerminalClaude:
		return claudeProfile
	case model.TerminalCodex:
		return codexProfile
	case model.TerminalGemini:
		return geminiProfile
	default:
		return shellProfile
	}
}

// HasBullets reports whether replies are bullet-delimited. Shell output is
// taken verbatim between prompts.
func (p Profile) HasBullets() bool {
	return len(p.BulletMarkers) > 0
}

func (p Profile) IsPrompt(line string) bool {
	if p.Tool == model.TerminalShell {
		return isShellPrompt(line, p.PromptMarkers)
	}
	trimmed := trimBoxBorder(line)
	for _, marker := range p.PromptMarkers {
		if trimmed == marker || strings.HasPrefix(trimmed, marker+" ") {
			return true
		}
	}
	return false
}

// PromptText returns the text typed after a prompt marker.
func (p Profile) PromptText(line string) string {
	if p.Tool == model.TerminalShell {
		for _, marker := range p.PromptMarkers {
			if idx := strings.Index(line, marker+" "); idx >= 0 {
				return strings.TrimSpace(line[idx+len(marker)+1:])
			}
		}
		return ""
	}
	trimmed := trimBoxBorder(line)
	for _, marker := range p.PromptMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return strings.TrimSpace(strings.TrimRight(strings.TrimPrefix(trimmed, marker), " │┃"))
		}
	}
	return strings.TrimSpace(trimmed)
}

// BulletText strips a leading bullet glyph. indent is the column width the
// glyph and its padding occupied, used to de-indent continuation lines.
func (p Profile) BulletText(line string) (text string, indent int, ok bool) {
	leading := len(line) - len(strings.TrimLeft(line, " "))
	trimmed := line[leading:]
	for _, marker := range p.BulletMarkers {
		if !strings.HasPrefix(trimmed, marker) {
			continue
		}
		rest := strings.TrimPrefix(trimmed, marker)
		pad := len(rest) - len(strings.TrimLeft(rest, " "))
		return strings.TrimSpace(rest), leading + 1 + pad, true
	}
	return "", 0, false
}

func (p Profile) IsReadyLine(line string) bool {
	trimmed := strings.TrimRight(trimBoxBorder(line), " │┃")
	if trimmed == "" {
		return false
	}
	for _, marker := range p.ReadyMarkers {
		if strings.HasSuffix(trimmed, marker) {
			return true
		}
		if p.Tool != model.TerminalShell && strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

func isShellPrompt(line string, markers []string) bool {
	trimmed := strings.TrimRight(line, " ")
	if trimmed == "" {
		return false
	}
	for _, marker := range markers {
		if strings.HasSuffix(trimmed, marker) && looksLikePromptPrefix(strings.TrimSuffix(trimmed, marker)) {
			return true
		}
		if idx := strings.Index(line, marker+" "); idx >= 0 && looksLikePromptPrefix(line[:idx]) {
			return true
		}
	}
	return false
}

// looksLikePromptPrefix accepts the short prefixes shells print before the
// prompt glyph ("user@host:~", "bash-5.2", "[me@box src]") so that command
// output such as "50%" is not taken for a prompt.
func looksLikePromptPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(prefix) > 64 {
		return false
	}
	if strings.HasPrefix(prefix, "[") && strings.HasSuffix(prefix, "]") {
		return true
	}
	return !strings.ContainsAny(prefix, " \t") && strings.ContainsAny(prefix, "@:~/-")
}

func trimBoxBorder(line string) string {
	return strings.TrimLeft(line, " │┃")
}

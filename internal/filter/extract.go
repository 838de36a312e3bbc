// Package filter turns a terminal line snapshot into the reply text worth
// surfacing in chat.
package filter

import (
	"strings"
)

type Mode int

const (
	// ModeStreaming keeps the last N reply paragraphs of the block that
	// answers the known input.
	ModeStreaming Mode = iota
	// ModeFinal keeps only the most recent reply paragraph.
	ModeFinal
)

type Outcome int

const (
	OutcomeEmit Outcome = iota
	// OutcomeDefer means the reply block is not bounded yet; retry after more
	// output arrives.
	OutcomeDefer
	// OutcomeDrop means the block was found but carries no reply content.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmit:
		return "emit"
	case OutcomeDefer:
		return "defer"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Lines   []string
	// Reason is a short diagnostic for logging.
	Reason string
}

func (r Result) Text() string {
	return strings.Join(r.Lines, "\n")
}

type Request struct {
	Lines      []string
	Input      []string
	Mode       Mode
	MaxBullets int
	// Cols enables soft-wrap merging when positive.
	Cols int
}

// Extract locates the reply block in req.Lines and returns its content.
func Extract(p Profile, req Request) Result {
	start, end, reason := locateBlock(p, req.Lines, req.Input)
	if start < 0 {
		return Result{Outcome: OutcomeDefer, Reason: reason}
	}
	paragraphs := collectParagraphs(p, req.Lines[start+1:end])
	if len(paragraphs) == 0 {
		return Result{Outcome: OutcomeDrop, Reason: "no_reply_content"}
	}
	keep := req.MaxBullets
	if req.Mode == ModeFinal {
		keep = 1
	}
	if keep > 0 && len(paragraphs) > keep {
		paragraphs = paragraphs[len(paragraphs)-keep:]
	}
	out := make([]string, 0, len(paragraphs)*2)
	for _, para := range paragraphs {
		out = append(out, MergeSoftWraps(para, req.Cols)...)
	}
	return Result{Outcome: OutcomeEmit, Lines: out, Reason: reason}
}

func locateBlock(p Profile, lines []string, input []string) (start, end int, reason string) {
	prompts := make([]int, 0, 8)
	for i, line := range lines {
		if p.IsPrompt(line) {
			prompts = append(prompts, i)
		}
	}
	want := normalizeText(input)
	if want == "" {
		if len(prompts) < 2 {
			return -1, -1, "no_prompt_pair"
		}
		return prompts[len(prompts)-2], prompts[len(prompts)-1], "last_prompt_pair"
	}
	for k := len(prompts) - 1; k >= 0; k-- {
		limit := len(lines)
		if k+1 < len(prompts) {
			limit = prompts[k+1]
		}
		if !segmentMatches(leadingSegment(p, lines, prompts[k], limit), want) {
			continue
		}
		if k+1 >= len(prompts) {
			return -1, -1, "input_block_unbounded"
		}
		return prompts[k], prompts[k+1], "input_match"
	}
	return -1, -1, "input_not_found"
}

// leadingSegment is the prompt text plus the wrapped lines up to the first
// reply bullet.
func leadingSegment(p Profile, lines []string, promptIdx, limit int) string {
	parts := []string{p.PromptText(lines[promptIdx])}
	for i := promptIdx + 1; i < limit; i++ {
		if _, _, ok := p.BulletText(lines[i]); ok {
			break
		}
		if !p.HasBullets() {
			break
		}
		parts = append(parts, strings.Trim(lines[i], " │┃"))
	}
	return normalizeText(parts)
}

func segmentMatches(segment, want string) bool {
	if segment == "" {
		return false
	}
	return segment == want || strings.HasPrefix(segment, want)
}

func normalizeText(lines []string) string {
	return strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
}

func collectParagraphs(p Profile, block []string) [][]string {
	if !p.HasBullets() {
		para := trimBlank(block)
		if len(para) == 0 {
			return nil
		}
		return [][]string{para}
	}
	var (
		out     [][]string
		current []string
		indent  int
		open    bool
	)
	closePara := func() {
		if open {
			if para := trimBlank(current); len(para) > 0 {
				out = append(out, para)
			}
		}
		current = nil
		open = false
	}
	for _, line := range block {
		if text, ind, ok := p.BulletText(line); ok {
			closePara()
			current = []string{text}
			indent = ind
			open = true
			continue
		}
		if !open {
			continue
		}
		if strings.TrimSpace(line) == "" {
			current = append(current, "")
			continue
		}
		if !strings.HasPrefix(line, " ") {
			closePara()
			continue
		}
		current = append(current, dedent(line, indent))
	}
	closePara()
	return out
}

func dedent(line string, n int) string {
	i := 0
	for i < n && i < len(line) && line[i] == ' ' {
		i++
	}
	return strings.TrimRight(line[i:], " ")
}

func trimBlank(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start == end {
		return nil
	}
	out := make([]string, 0, end-start)
	for _, line := range lines[start:end] {
		out = append(out, strings.TrimRight(line, " "))
	}
	return out
}

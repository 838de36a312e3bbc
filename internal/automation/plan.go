package automation

import (
	"fmt"
	"strings"

	"github.com/g960059/termrelay/internal/model"
)

type StepKind uint8

const (
	StepInput StepKind = iota + 1
	StepWaitForPattern
	StepExtractSessionID
	StepIntroduction
)

func (k StepKind) String() string {
	switch k {
	case StepInput:
		return "input"
	case StepWaitForPattern:
		return "wait_for_pattern"
	case StepExtractSessionID:
		return "extract_session_id"
	case StepIntroduction:
		return "introduction"
	default:
		return "unknown"
	}
}

// Step is one instruction of a post-ready plan.
type Step struct {
	Kind StepKind
	// Text is sent for StepInput.
	Text string
	// Pattern must appear on screen for StepWaitForPattern (case-insensitive).
	Pattern string
	// Keyword precedes the id for StepExtractSessionID.
	Keyword string
	// RequireStable waits for the screen to stop changing before advancing.
	RequireStable bool
}

// Plan is an immutable bootstrap script for one tool.
type Plan struct {
	Tool  model.TerminalType
	Steps []Step
}

var plans = map[model.TerminalType]Plan{
	model.TerminalClaude: {
		Tool: model.TerminalClaude,
		Steps: []Step{
			{Kind: StepInput, Text: "/status\r", RequireStable: true},
			{Kind: StepExtractSessionID, Keyword: "session id", RequireStable: true},
			{Kind: StepInput, Text: "\x1b", RequireStable: true},
			{Kind: StepIntroduction, RequireStable: true},
		},
	},
	model.TerminalCodex: {
		Tool: model.TerminalCodex,
		Steps: []Step{
			{Kind: StepInput, Text: "/status\r", RequireStable: true},
			{Kind: StepExtractSessionID, Keyword: "session", RequireStable: true},
			{Kind: StepIntroduction, RequireStable: true},
		},
	},
	model.TerminalGemini: {
		Tool: model.TerminalGemini,
		Steps: []Step{
			{Kind: StepWaitForPattern, Pattern: "type your message"},
			{Kind: StepIntroduction, RequireStable: true},
		},
	},
}

// PlanFor returns the bootstrap plan of a tool. Shells have none.
func PlanFor(tool model.TerminalType) (Plan, bool) {
	p, ok := plans[tool]
	if !ok {
		return Plan{}, false
	}
	return p, true
}

var replyLanguages = map[string]string{
	"de": "German",
	"es": "Spanish",
	"fr": "French",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
}

// IntroductionText is what an agent is told about its seat in the workspace.
// A known non-English locale adds a reply language.
func IntroductionText(locale, workspaceID, memberID string) string {
	var b strings.Builder
	if memberID != "" {
		fmt.Fprintf(&b, "You are %s", memberID)
	} else {
		b.WriteString("You are an assistant")
	}
	if workspaceID != "" {
		fmt.Fprintf(&b, " in workspace %s", workspaceID)
	}
	b.WriteString(". Messages from the team chat will be typed here; answer them directly and keep replies short.")
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	if name, ok := replyLanguages[lang]; ok {
		fmt.Fprintf(&b, " Reply in %s.", name)
	}
	return b.String()
}

package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorLen bounds stored delivery errors.
const MaxErrorLen = 512

const secretKeyExpr = `(?:password|passwd|secret|api[_-]?key|private[_-]?key|aws_access_key_id|aws_secret_access_key|[a-z0-9._-]*token[a-z0-9._-]*)`

// quotedOrBare matches a double-quoted, single-quoted or bare value.
const quotedOrBare = `(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`

type rule struct {
	pattern *regexp.Regexp
	replace func(match string) string
}

func literal(repl string) func(string) string {
	return func(string) string { return repl }
}

// keepThrough keeps the match up to and including the first byte in seps.
func keepThrough(seps, suffix string) func(string) string {
	return func(match string) string {
		idx := strings.IndexAny(match, seps)
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + suffix
	}
}

// keepGroup keeps the first capture group and replaces the rest.
func keepGroup(re *regexp.Regexp, suffix string) func(string) string {
	return func(match string) string {
		m := re.FindStringSubmatch(match)
		if len(m) < 2 {
			return suffix
		}
		return m[1] + suffix
	}
}

var (
	pemBlock    = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	jsonSecret  = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	kvSecret    = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*` + quotedOrBare)
	looseSecret = regexp.MustCompile(`(?i)\b((?:client_secret|private_key|aws_access_key_id|aws_secret_access_key)\b(?:\s*[:=]|\s))\s*` + quotedOrBare)
	authHeader  = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearer      = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	cookie      = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	sshUser     = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)
	// Bare provider keys that agents tend to echo back verbatim.
	providerKey = regexp.MustCompile(`\b(?:sk-(?:ant-)?[A-Za-z0-9_-]{20,}|gh[pousr]_[A-Za-z0-9]{30,}|AKIA[0-9A-Z]{16}|xox[abpr]-[A-Za-z0-9-]{10,})\b`)

	secretLike = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `\s*[:=]|client_secret|private_key|aws_access_key_id|aws_secret_access_key|authorization\s*:|bearer\s+[A-Za-z0-9._~+/=-]+|cookie\s*:)`)
)

// rules run in order; PEM blocks go first so their bodies are not
// half-masked by the key=value rules.
var rules = []rule{
	{pemBlock, literal("[REDACTED_PRIVATE_KEY]")},
	{jsonSecret, keepGroup(jsonSecret, `"[REDACTED]"`)},
	{kvSecret, keepThrough(":=", " [REDACTED]")},
	{looseSecret, func(match string) string {
		m := looseSecret.FindStringSubmatch(match)
		if len(m) < 2 {
			return "[REDACTED]"
		}
		return strings.TrimSpace(m[1]) + " [REDACTED]"
	}},
	{authHeader, keepGroup(authHeader, "[REDACTED]")},
	{bearer, literal("Bearer [REDACTED]")},
	{cookie, keepGroup(cookie, "[REDACTED]")},
	{sshUser, keepGroup(sshUser, "[REDACTED]@")},
	{providerKey, literal("[REDACTED_KEY]")},
}

// Redact masks credentials in free text such as an extracted chat reply.
// Text without secrets comes back unchanged.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := input
	for _, r := range rules {
		out = r.pattern.ReplaceAllStringFunc(out, r.replace)
	}
	return out
}

// ContainsSecret reports whether text looks like it carries a credential.
func ContainsSecret(input string) bool {
	return secretLike.MatchString(input) || providerKey.MatchString(input) || pemBlock.MatchString(input)
}

// RedactError renders err for persistence: redacted, single line, bounded.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(Redact(err.Error())), " ")
	if utf8.RuneCountInString(msg) <= MaxErrorLen {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLen-3]) + "..."
}

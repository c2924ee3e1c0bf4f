package supervisor

import (
	"regexp"
	"strings"
)

// Matcher decides whether a raw text line is an interactive prompt.
type Matcher interface {
	Match(line string) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(line string) bool

// Match calls f(line).
func (f MatcherFunc) Match(line string) bool { return f(line) }

// Contains matches a case-insensitive substring.
func Contains(substr string) Matcher {
	needle := strings.ToLower(substr)
	return MatcherFunc(func(line string) bool {
		return strings.Contains(strings.ToLower(line), needle)
	})
}

// Pattern matches a case-insensitive regular expression.
func Pattern(expr string) Matcher {
	re := regexp.MustCompile(`(?i)` + expr)
	return MatcherFunc(re.MatchString)
}

// DefaultMatchers returns the built-in permission-prompt heuristics, in order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		Contains("do you want to"),
		Pattern(`\ballow\b.*\btool\b`),
		Contains("(y/n)"),
		Contains("[y/n]"),
		Pattern(`\bapprove\b`),
		Contains("waiting for permission"),
		Contains("press enter to continue"),
	}
}

// MatchAny reports whether any matcher accepts line. Matchers run in order
// and the first hit wins.
func MatchAny(matchers []Matcher, line string) bool {
	for _, m := range matchers {
		if m.Match(line) {
			return true
		}
	}
	return false
}

var humanInputTypes = map[string]bool{
	"permission_request": true,
	"permission":         true,
	"input_request":      true,
	"user_input_request": true,
	"human_input":        true,
}

var humanInputSubtypes = map[string]bool{
	"permission":         true,
	"permission_request": true,
	"input_request":      true,
}

// IsHumanInputRecord reports whether a structured record asks for a reply.
func IsHumanInputRecord(rec Record) bool {
	if humanInputTypes[rec.Type] {
		return true
	}
	return rec.Type == "system" && humanInputSubtypes[rec.Subtype]
}

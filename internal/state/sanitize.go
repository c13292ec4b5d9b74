package state

import (
	"regexp"
	"strings"

	"github.com/agentgate/agentgate/pkg/agent"
)

const redacted = "***REDACTED***"

// compiledPattern holds a pre-compiled regex with its replacement.
type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// builtinPatterns match credential material that must never leave the
// process inside a snapshot.
var builtinPatterns = []compiledPattern{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-\.]{16,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"password_assignment", regexp.MustCompile(`(?i)(password|passwd|secret)["'\s:=]+\S{6,}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
}

// sensitiveKeyPattern matches map keys whose values are dropped wholesale
// from tool states and metadata.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|credential|api[_-]?key|private[_-]?key)`)

// Sanitizer strips credential material from snapshots before signing.
// Stateless aside from compiled patterns; safe for concurrent use.
type Sanitizer struct {
	patterns []compiledPattern
}

// NewSanitizer creates a sanitizer with the built-in patterns plus any extra
// configured expressions. Invalid extras are skipped.
func NewSanitizer(extra ...string) *Sanitizer {
	s := &Sanitizer{patterns: builtinPatterns}
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{name: "custom", regex: re})
	}
	return s
}

// SanitizeText replaces credential material in free text.
func (s *Sanitizer) SanitizeText(text string) string {
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, redacted)
	}
	return text
}

// SanitizeMessages returns a copy of the transcript with credential material
// replaced.
func (s *Sanitizer) SanitizeMessages(messages []agent.Message) []agent.Message {
	out := make([]agent.Message, len(messages))
	for i, msg := range messages {
		msg.Content = s.SanitizeText(msg.Content)
		out[i] = msg
	}
	return out
}

// SanitizeMap removes entries under sensitive keys and scrubs string values.
// Nested maps are handled recursively.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeyPattern.MatchString(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = s.SanitizeText(val)
		case map[string]any:
			out[k] = s.SanitizeMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// ContainsCredentials reports whether text still matches any pattern, used
// by tests and export assertions.
func (s *Sanitizer) ContainsCredentials(text string) bool {
	if strings.Contains(text, redacted) {
		return false
	}
	for _, p := range s.patterns {
		if p.regex.MatchString(text) {
			return true
		}
	}
	return false
}

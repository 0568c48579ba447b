// Package masking redacts secrets from strings before they reach logs or
// lifecycle events. Gateway errors, model-client diagnostics, and event
// payloads all pass through a Redactor on their way out.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the credential shapes that show up in provider
// errors and tool output: API keys, bearer tokens, git tokens, and
// credentials embedded in URLs.
var builtinPatterns = map[string]struct {
	Pattern     string
	Replacement string
}{
	"openai_api_key": {
		Pattern:     `sk-[A-Za-z0-9_-]{20,}`,
		Replacement: "***MASKED_API_KEY***",
	},
	"anthropic_api_key": {
		Pattern:     `sk-ant-[A-Za-z0-9_-]{20,}`,
		Replacement: "***MASKED_API_KEY***",
	},
	"bearer_token": {
		Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		Replacement: "Bearer ***MASKED_TOKEN***",
	},
	"github_token": {
		Pattern:     `gh[pousr]_[A-Za-z0-9]{36,}`,
		Replacement: "***MASKED_GIT_TOKEN***",
	},
	"basic_auth_url": {
		Pattern:     `(https?://)[^/\s:@]+:[^/\s:@]+@`,
		Replacement: "$1***MASKED_CREDENTIALS***@",
	},
	"generic_api_key": {
		Pattern:     `(?i)(api[_-]?key|token|secret)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]{16,}=*`,
		Replacement: "$1=***MASKED***",
	},
}

// Redactor applies the compiled pattern set. Stateless after construction;
// safe for concurrent use.
type Redactor struct {
	patterns []*CompiledPattern
}

// NewRedactor compiles the built-in pattern set plus any extra patterns.
// Invalid extras are logged and skipped.
func NewRedactor(extra map[string]string) *Redactor {
	r := &Redactor{}
	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{
			Name: name, Regex: compiled, Replacement: p.Replacement,
		})
	}
	for name, pattern := range extra {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{
			Name: name, Regex: compiled, Replacement: "***MASKED***",
		})
	}
	return r
}

// Redact replaces every recognized secret in s.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// RedactErr is shorthand for redacting an error message. Nil-safe.
func (r *Redactor) RedactErr(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}

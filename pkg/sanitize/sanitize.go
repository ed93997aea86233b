// Package sanitize scrubs credentials and environment-derived values from
// strings before they reach logs or the wire. Every error detail that leaves
// the process passes through a Sanitizer.
package sanitize

import (
	"regexp"
	"strings"
)

// pattern pairs a compiled regex with its replacement.
type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns cover the known credential shapes: Anthropic API keys,
// 40-hex API tokens (NetBox's format), bearer headers, and home-directory
// paths that can leak usernames.
var builtinPatterns = []pattern{
	{
		name:        "anthropic_api_key",
		regex:       regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]+`),
		replacement: "sk-ant-***",
	},
	{
		name:        "hex_token_40",
		regex:       regexp.MustCompile(`\b[a-f0-9]{40}\b`),
		replacement: "***",
	},
	{
		name:        "bearer_header",
		regex:       regexp.MustCompile(`(?i)(bearer|token)\s+[A-Za-z0-9._~+/=-]{8,}`),
		replacement: "$1 ***",
	},
	{
		name:        "home_path",
		regex:       regexp.MustCompile(`/home/[^/\s]+/`),
		replacement: "/home/***/",
	},
}

// Sanitizer applies the built-in patterns plus exact-value scrubbing of the
// configured credentials. Stateless after construction and safe for
// concurrent use.
type Sanitizer struct {
	patterns []pattern
	secrets  []string
}

// New builds a sanitizer. secrets are configured credential values scrubbed
// by exact match in addition to the pattern sweep; empty and very short
// values are dropped to avoid mangling ordinary text.
func New(secrets []string) *Sanitizer {
	s := &Sanitizer{patterns: builtinPatterns}
	for _, v := range secrets {
		if len(v) >= 6 {
			s.secrets = append(s.secrets, v)
		}
	}
	return s
}

// Scrub returns text with all secret values and credential-shaped substrings
// replaced.
func (s *Sanitizer) Scrub(text string) string {
	if text == "" {
		return text
	}
	// Exact values first so a secret that also matches a pattern is not
	// partially rewritten before the exact match runs.
	for _, secret := range s.secrets {
		text = strings.ReplaceAll(text, secret, "***")
	}
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// ScrubErr is a convenience for error values; nil-safe.
func (s *Sanitizer) ScrubErr(err error) string {
	if err == nil {
		return ""
	}
	return s.Scrub(err.Error())
}

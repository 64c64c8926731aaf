// Package privacy scrubs credentials from text before it is stored or printed.
package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Built-in rules: URL userinfo, token query params and bearer headers.
var builtin = []rule{
	{regexp.MustCompile(`://[^/@\s]+@`), "://" + redactedPlaceholder + "@"},
	{regexp.MustCompile(`(?i)([?&]token=)[^&\s"']+`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + redactedPlaceholder},
}

// Redactor replaces known secrets and pattern matches. A nil *Redactor
// applies the built-in rules only.
type Redactor struct {
	secrets  []string
	patterns []*regexp.Regexp
}

// Compile compiles a list of regex pattern strings into compiled regexps.
// Returns an error if any pattern is invalid.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// New builds a Redactor for literal secrets (tokens, connection strings)
// and extra patterns. Empty secrets are ignored.
func New(secrets []string, patterns []string) (*Redactor, error) {
	compiled, err := Compile(patterns)
	if err != nil {
		return nil, err
	}
	r := &Redactor{patterns: compiled}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r, nil
}

// Redact scrubs text. Literal secrets go first so a full connection string
// is hidden as one unit.
func (r *Redactor) Redact(text string) string {
	if r != nil {
		for _, s := range r.secrets {
			text = strings.ReplaceAll(text, s, redactedPlaceholder)
		}
	}
	for _, b := range builtin {
		text = b.re.ReplaceAllString(text, b.repl)
	}
	if r != nil {
		text = Apply(text, r.patterns)
	}
	return text
}

// Apply replaces all matches of the compiled patterns in text with [REDACTED].
func Apply(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

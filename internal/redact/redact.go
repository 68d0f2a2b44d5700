// Package redact scrubs text before it leaves local control.
//
// Journal authors mark private fragments with square brackets; those
// fragments are replaced with a placeholder. Credential-shaped strings are
// masked as well. Output never contains '[' or ']'.
package redact

import (
	"io"
	"regexp"
	"strings"
)

// Placeholder replaces a bracket-marked fragment.
const Placeholder = "__"

// Mask replaces a credential-shaped string.
const Mask = "__redacted__"

var bracketRe = regexp.MustCompile(`\[[\s\S]*?\]`)

// Redactor masks bracketed fragments and secrets.
type Redactor struct {
	placeholder string
	patterns    []*regexp.Regexp
}

// New creates a redactor with the default secret patterns.
func New() *Redactor {
	return &Redactor{
		placeholder: Placeholder,
		patterns: []*regexp.Regexp{
			// API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Passwords
			regexp.MustCompile(`(?i)password["\s:=]+[^\s"]+`),
			regexp.MustCompile(`(?i)pwd["\s:=]+[^\s"]+`),

			// Auth tokens
			regexp.MustCompile(`(?i)token["\s:=]+[a-zA-Z0-9._-]{20,}`),

			// AWS keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// Private key blocks
			regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		},
	}
}

// AddPattern adds a custom secret pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Text prepares text for external transmission: bracketed fragments become
// the placeholder, secrets are masked, and any unmatched bracket is dropped.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	out := bracketRe.ReplaceAllString(s, r.placeholder)
	out = r.Secrets(out)
	return strings.NewReplacer("[", "", "]", "").Replace(out)
}

// Secrets masks credential-shaped strings and leaves everything else alone.
func (r *Redactor) Secrets(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}

// Clean reports whether s is safe to send: no bracket markers remain.
func Clean(s string) bool {
	return !strings.ContainsAny(s, "[]")
}

// Wrap returns a writer that masks secrets in everything written through it.
// Brackets are kept so structured log lines stay parseable.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Secrets(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

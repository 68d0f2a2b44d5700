// Package segment splits journal text into ordered, analyzable spans.
//
// Markdown headings open sections, blank lines separate paragraphs, and a
// paragraph is never merged with its neighbour. Paragraphs longer than the
// span budget are cut at the nearest sentence end before the budget.
package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxChars is the span budget used when none is given.
const DefaultMaxChars = 800

// Untitled is the title of spans outside any heading.
const Untitled = "(untitled)"

// Span is one analyzable piece of an entry.
type Span struct {
	Index     int
	Title     string
	Text      string
	Sensitive bool
	Reasons   []string
}

var (
	headingRe   = regexp.MustCompile(`(?m)^(#+)[ \t]+(.*?)[ \t]*$`)
	paragraphRe = regexp.MustCompile(`\n\s*\n+`)
	tagPrefixRe = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*`)
	tagSplitRe  = regexp.MustCompile(`[,\s]+`)
)

var sensitiveTags = map[string]bool{
	"private":      true,
	"sensitive":    true,
	"confidential": true,
	"secret":       true,
}

type detector struct {
	name string
	re   *regexp.Regexp
}

// RE2 has no lookaround, so boundaries are matched as explicit non-word runes.
var detectors = []detector{
	{"email", regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)},
	{"phone", regexp.MustCompile(`(?:^|[^\w])(?:\+?\d{1,3}[\s-]?)?(?:\(?\d{2,4}\)?[\s-]?)?\d{3,4}[\s-]?\d{3,4}(?:$|[^\w])`)},
	{"card_number", regexp.MustCompile(`(?:^|\D)(?:\d[ -]?){13,19}(?:$|\D)`)},
	{"api_key_marker", regexp.MustCompile(`(?i)\b(?:api[_ -]?key|secret|token|access[_ -]?token|refresh[_ -]?token)\b`)},
	{"password_marker", regexp.MustCompile(`(?i)\b(?:password|passcode|pwd)\b`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----`)},
}

// Segment splits text into spans of at most maxChars runes each. Index is
// contiguous from zero across the whole entry. Output is deterministic for
// a given input.
func Segment(text string, maxChars int) []Span {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text = normalizeNewlines(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []Span
	for _, sec := range splitSections(text) {
		type piece struct {
			text      string
			sensitive bool
			reasons   []string
		}
		var pieces []piece
		for _, para := range splitParagraphs(sec.body) {
			tagged, body := parseTag(para)
			if IsSeparator(body) {
				continue
			}
			for _, chunk := range splitParagraph(body, maxChars) {
				hit, reasons := DetectSensitive(chunk)
				if tagged {
					reasons = append([]string{"tag"}, reasons...)
				}
				pieces = append(pieces, piece{chunk, tagged || hit, reasons})
			}
		}

		for k, p := range pieces {
			title := sec.title
			if len(pieces) > 1 {
				title = fmt.Sprintf("%s (%d/%d)", sec.title, k+1, len(pieces))
			}
			out = append(out, Span{
				Index:     len(out),
				Title:     title,
				Text:      p.text,
				Sensitive: p.sensitive,
				Reasons:   p.reasons,
			})
		}
	}
	return out
}

// DetectSensitive reports whether text matches any sensitivity rule, and
// which rules matched, in rule order.
func DetectSensitive(text string) (bool, []string) {
	var reasons []string
	for _, d := range detectors {
		if d.re.MatchString(text) {
			reasons = append(reasons, d.name)
		}
	}
	return len(reasons) > 0, reasons
}

// IsSeparator reports whether text carries no words: empty, or built only
// from rule characters such as "---" or "***".
func IsSeparator(text string) bool {
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '-', '*', '_', '=', '~', '#', '.', '·', '—':
			continue
		}
		return false
	}
	return true
}

type section struct {
	title string
	body  string
}

func splitSections(text string) []section {
	matches := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []section{{Untitled, text}}
	}

	var out []section
	if pre := strings.TrimSpace(text[:matches[0][0]]); pre != "" {
		out = append(out, section{Untitled, pre})
	}
	for i, m := range matches {
		title := strings.TrimSpace(text[m[4]:m[5]])
		if title == "" {
			title = Untitled
		}
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		if body := strings.TrimSpace(text[m[1]:end]); body != "" {
			out = append(out, section{title, body})
		}
	}
	if len(out) == 0 {
		return []section{{Untitled, text}}
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTag strips a leading [private]-style marker and reports whether it
// named a sensitive tag.
func parseTag(para string) (bool, string) {
	m := tagPrefixRe.FindStringSubmatchIndex(para)
	if m == nil {
		return false, para
	}
	tagged := false
	for _, tok := range tagSplitRe.Split(para[m[2]:m[3]], -1) {
		if sensitiveTags[strings.ToLower(strings.TrimSpace(tok))] {
			tagged = true
		}
	}
	if !tagged {
		return false, para
	}
	return true, strings.TrimLeftFunc(para[m[1]:], unicode.IsSpace)
}

// splitParagraph cuts body into chunks of at most maxChars runes, preferring
// the last sentence end inside the window. A period only ends a sentence
// when followed by whitespace or the end of text.
func splitParagraph(body string, maxChars int) []string {
	s := []rune(strings.TrimSpace(body))
	var out []string
	for len(s) > 0 {
		if len(s) <= maxChars {
			if t := strings.TrimSpace(string(s)); t != "" {
				out = append(out, t)
			}
			break
		}
		cut := maxChars
		for i := maxChars - 1; i >= 0; i-- {
			if isSentenceEnd(s, i) {
				cut = i + 1
				break
			}
		}
		if t := strings.TrimSpace(string(s[:cut])); t != "" {
			out = append(out, t)
		}
		s = []rune(strings.TrimLeftFunc(string(s[cut:]), unicode.IsSpace))
	}
	return out
}

func isSentenceEnd(s []rune, i int) bool {
	switch s[i] {
	case '。', '！', '？', '!', '?':
		return true
	case '.':
		return i+1 >= len(s) || unicode.IsSpace(s[i+1])
	}
	return false
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

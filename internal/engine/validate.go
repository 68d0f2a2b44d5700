package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// Card key limits.
const (
	maxSlugRunes   = 80
	maxCardKeyLen  = 128
	defaultSlug    = "general"
	maxNoteChars   = 200
	maxSummaryLen  = 480
	summaryEllipse = "…"
)

// validSlugRune returns true if the rune is allowed in a card key part.
// Allowed: lowercase alphanumeric, hyphens, CJK ideographs.
func validSlugRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || unicode.Is(unicode.Han, r)
}

// slugify normalizes s into a card key part.
// Uppercase becomes lowercase, whitespace runs become one hyphen, invalid
// runes are dropped. Returns "general" if nothing survives.
func slugify(s string) string {
	var b strings.Builder
	n := 0
	prevHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if n >= maxSlugRunes {
			break
		}
		switch {
		case unicode.IsSpace(r):
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
				n++
			}
		case validSlugRune(r):
			b.WriteRune(r)
			prevHyphen = r == '-'
			n++
		}
		// Other runes silently dropped
	}
	result := strings.Trim(b.String(), "-")
	if result == "" {
		return defaultSlug
	}
	return result
}

// sanitizeCardKey normalizes a proposed key to category:identifier. A key
// without a category lands in "general".
func sanitizeCardKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty card key")
	}
	category, ident, ok := strings.Cut(key, ":")
	if !ok {
		category, ident = defaultSlug, key
	}
	out := slugify(category) + ":" + slugify(ident)
	if len(out) > maxCardKeyLen {
		return "", fmt.Errorf("card key %q longer than %d bytes", out, maxCardKeyLen)
	}
	return out, nil
}

// truncateClean truncates a string to maxLen bytes, cutting at the last word
// boundary to avoid mid-word breaks and never inside a UTF-8 sequence.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	cut := maxLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	truncated := s[:cut]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > cut-80 && idx > 0 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

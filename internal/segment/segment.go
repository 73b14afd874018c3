// Package segment splits request text into ordered sentence units.
package segment

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Unit is one sentence of the input text. Index is its zero-based position.
type Unit struct {
	Index int
	Text  string
}

// DefaultAbbreviations are protected from sentence splitting. Configured
// abbreviations extend this list.
var DefaultAbbreviations = []string{
	"Mr", "Mrs", "Ms", "Dr", "Prof", "Sr", "Jr", "St",
	"vs", "etc", "e.g", "i.e", "Inc", "Ltd", "Co",
}

// placeholder stands in for protected periods while splitting. It sits in the
// Unicode private use area so it never collides with real input.
const placeholder = "\uE000"

var boundaryRegex = regexp.MustCompile(`[.!?]+["'”’»)\]]*\s+`)

// Segmenter splits text on sentence-terminal punctuation. It is safe for
// concurrent use once constructed.
type Segmenter struct {
	abbreviations *regexp.Regexp
}

// Default returns a Segmenter protecting DefaultAbbreviations.
func Default() *Segmenter {
	return New(DefaultAbbreviations...)
}

// New returns a Segmenter protecting the given abbreviation tokens. Tokens may
// be given with or without the trailing period. Matching is case-sensitive
// except that a token is also protected with its first letter capitalised, so
// "etc" covers "Etc." but "Ms" never covers the unit "ms.".
func New(abbreviations ...string) *Segmenter {
	seen := map[string]bool{}
	var tokens []string
	for _, a := range abbreviations {
		a = strings.TrimSuffix(strings.TrimSpace(a), ".")
		if a == "" {
			continue
		}
		for _, form := range []string{a, capitalize(a)} {
			if !seen[form] {
				seen[form] = true
				tokens = append(tokens, regexp.QuoteMeta(form))
			}
		}
	}
	if len(tokens) == 0 {
		return &Segmenter{}
	}
	// Longest first so "Mrs" wins over "Mr".
	sort.Slice(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })
	pattern := `\b(?:` + strings.Join(tokens, "|") + `)\.`
	return &Segmenter{abbreviations: regexp.MustCompile(pattern)}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// Split returns the sentence units of text in order. Empty or whitespace-only
// input yields no units; input without a split point yields one unit.
func (s *Segmenter) Split(text string) []Unit {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return nil
	}
	protected := s.protect(text)

	var pieces []string
	start := 0
	for _, loc := range boundaryRegex.FindAllStringIndex(protected, -1) {
		if !startsSentence(protected[loc[1]:]) {
			continue
		}
		pieces = append(pieces, protected[start:loc[1]])
		start = loc[1]
	}
	pieces = append(pieces, protected[start:])

	units := make([]Unit, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(strings.ReplaceAll(p, placeholder, "."))
		if p == "" {
			continue
		}
		units = append(units, Unit{Index: len(units), Text: p})
	}
	return units
}

func (s *Segmenter) protect(text string) string {
	if s.abbreviations == nil {
		return text
	}
	return s.abbreviations.ReplaceAllStringFunc(text, func(match string) string {
		return strings.ReplaceAll(match, ".", placeholder)
	})
}

// startsSentence reports whether rest begins with an upper-case letter,
// skipping opening quotes and brackets.
func startsSentence(rest string) bool {
	for len(rest) > 0 {
		r, size := utf8.DecodeRuneInString(rest)
		switch r {
		case '"', '\'', '“', '‘', '«', '(', '[':
			rest = rest[size:]
			continue
		}
		return unicode.IsUpper(r) || unicode.IsTitle(r)
	}
	return false
}

// Package sanitize cleans user-supplied chat text before it is stored or
// broadcast: configured words are censored and markup is escaped so that no
// viewer renders injected HTML.
package sanitize

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// DefaultCensorChar replaces each rune of a censored word.
const DefaultCensorChar = '*'

// Sanitizer is safe for concurrent use once built.
type Sanitizer struct {
	matcher    *goahocorasick.Machine
	censorChar rune
}

// New builds a Sanitizer. An empty word list disables censoring.
func New(censoredWords []string, censorChar rune) (*Sanitizer, error) {
	if censorChar == 0 {
		censorChar = DefaultCensorChar
	}
	s := &Sanitizer{censorChar: censorChar}

	patterns := make([][]rune, 0, len(censoredWords))
	for _, w := range censoredWords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		patterns = append(patterns, lower([]rune(w)))
	}
	if len(patterns) == 0 {
		return s, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("build censor automaton: %w", err)
	}
	s.matcher = m
	return s, nil
}

// Clean trims text, censors configured words and escapes HTML.
func (s *Sanitizer) Clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return html.EscapeString(s.censor(text))
}

func (s *Sanitizer) censor(text string) string {
	if s == nil || s.matcher == nil {
		return text
	}
	orig := []rune(text)
	terms := s.matcher.MultiPatternSearch(lower(orig), false)
	if len(terms) == 0 {
		return text
	}
	for _, term := range terms {
		end := term.Pos + len(term.Word)
		if term.Pos < 0 || end > len(orig) {
			continue
		}
		for i := term.Pos; i < end; i++ {
			orig[i] = s.censorChar
		}
	}
	return string(orig)
}

// lower maps runes one to one so match positions index the original text.
func lower(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

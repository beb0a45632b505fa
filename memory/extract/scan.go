package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type token struct {
	text  string
	lower string
	index int // position across the whole text
	sent  int

	// initial is true for the first token of a sentence.
	initial bool
	// plainGap is true when only whitespace separates this token from the previous one.
	plainGap bool
	// at is true when the gap before the token ends with '@'.
	at bool
}

func (t token) capitalized() bool {
	r, _ := utf8.DecodeRuneInString(t.text)
	return unicode.IsUpper(r)
}

func (t token) lowerCase() bool {
	r, _ := utf8.DecodeRuneInString(t.text)
	return unicode.IsLower(r)
}

func (t token) alpha() bool {
	for _, r := range t.text {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// camelCase reports an upper-case letter following a lower-case one, as in "MemoryMe".
func (t token) camelCase() bool {
	prevLower := false
	for _, r := range t.text {
		if unicode.IsUpper(r) && prevLower {
			return true
		}
		prevLower = unicode.IsLower(r)
	}
	return false
}

type sentence struct {
	text   string
	tokens []token
}

// scan splits text into sentences and tokens. A sentence ends at '.', '!'
// or '?' followed by whitespace, or at a line break.
func scan(text string) []sentence {
	var (
		out   []sentence
		index int
	)
	for _, raw := range splitSentences(text) {
		s := sentence{text: strings.Join(strings.Fields(raw), " ")}
		for _, tok := range tokenize(raw) {
			tok.index = index
			tok.sent = len(out)
			index++
			s.tokens = append(s.tokens, tok)
		}
		if len(s.tokens) > 0 {
			s.tokens[0].initial = true
			out = append(out, s)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i, r := range text {
		switch r {
		case '\n', '\r':
			out = append(out, text[start:i])
			start = i + 1
		case '.', '!', '?':
			next, _ := utf8.DecodeRuneInString(text[i+1:])
			if i+1 >= len(text) || unicode.IsSpace(next) {
				out = append(out, text[start:i+1])
				start = i + 1
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// tokenize yields word tokens. Dots, dashes and underscores inside a word
// are kept ("Node.js", "rate-limit"); a trailing '+' or '#' is kept ("C++", "C#").
func tokenize(s string) []token {
	var (
		out []token
		gap strings.Builder
	)
	rs := []rune(s)
	for i := 0; i < len(rs); {
		if !isWordRune(rs[i]) {
			gap.WriteRune(rs[i])
			i++
			continue
		}
		j := i + 1
		for j < len(rs) {
			if isWordRune(rs[j]) {
				j++
				continue
			}
			if (rs[j] == '.' || rs[j] == '-' || rs[j] == '_') && j+1 < len(rs) && isWordRune(rs[j+1]) {
				j += 2
				continue
			}
			break
		}
		for j < len(rs) && (rs[j] == '+' || rs[j] == '#') {
			j++
		}
		g := gap.String()
		out = append(out, token{
			text:     string(rs[i:j]),
			lower:    strings.ToLower(string(rs[i:j])),
			plainGap: strings.TrimSpace(g) == "",
			at:       strings.HasSuffix(g, "@"),
		})
		gap.Reset()
		i = j
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

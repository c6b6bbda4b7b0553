package engine

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string // identifier name without quotes, or the raw text
	start int
	end   int
}

// lexRule splits an access rule into tokens. Comments and whitespace are
// dropped; bound parameters and statement separators are rejected since a
// rule is a single expression evaluated with engine supplied bindings only.
func lexRule(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", i)
			}
			i += end + 4
		case c == '\'':
			end, err := scanQuoted(src, i, '\'')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end
		case c == '"' || c == '`':
			end, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			name := strings.ReplaceAll(src[i+1:end-1], string([]byte{c, c}), string(c))
			toks = append(toks, token{kind: tokQuotedIdent, text: name, start: i, end: end})
			i = end
		case c == '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated identifier at offset %d", i)
			}
			toks = append(toks, token{kind: tokQuotedIdent, text: src[i+1 : i+end], start: i, end: i + end + 1})
			i += end + 1
		case c == ';':
			return nil, fmt.Errorf("statement separator not allowed")
		case c == '?' || c == ':' || c == '@' || c == '$':
			return nil, fmt.Errorf("bound parameters not allowed at offset %d", i)
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], start: start, end: i})
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], start: start, end: i})
		default:
			toks = append(toks, token{kind: tokPunct, text: src[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the closing quote; doubled quotes
// are escapes.
func scanQuoted(src string, start int, quote byte) (int, error) {
	for i := start + 1; i < len(src); i++ {
		if src[i] != quote {
			continue
		}
		if i+1 < len(src) && src[i+1] == quote {
			i++
			continue
		}
		return i + 1, nil
	}
	return 0, fmt.Errorf("unterminated quote at offset %d", start)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

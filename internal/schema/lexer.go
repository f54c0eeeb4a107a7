package schema

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokChar
	tokPunct
	tokDirective
)

type token struct {
	kind tokKind
	text string
	pos  Pos
}

func (t token) is(text string) bool {
	return (t.kind == tokPunct || t.kind == tokIdent) && t.text == text
}

// multi-character punctuators, longest first.
var puncts = []string{"::", "<<", ">>", "->", "==", "!=", "<=", ">=", "&&", "||", "++", "--", "+=", "-=", "*=", "/="}

// lex splits one file into tokens. Comments and whitespace are dropped.
// A '#' that starts a line yields a single tokDirective holding the whole
// line, with backslash continuations joined.
func lex(file, src string) ([]token, error) {
	var toks []token
	line, col := 1, 1
	i := 0
	lineStart := true
	advance := func(n int) {
		for k := 0; k < n && i < len(src); k++ {
			if src[i] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
			i++
		}
	}
	for i < len(src) {
		c := src[i]
		pos := Pos{File: file, Line: line, Col: col}
		switch {
		case c == '\n':
			advance(1)
			lineStart = true
			continue
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			advance(1)
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				advance(1)
			}
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, &ParseError{Pos: pos, Msg: "unterminated block comment"}
			}
			advance(end + 4)
			continue
		case c == '#' && lineStart:
			var b strings.Builder
			for i < len(src) && src[i] != '\n' {
				if src[i] == '\\' && i+1 < len(src) && src[i+1] == '\n' {
					advance(2)
					b.WriteByte(' ')
					continue
				}
				b.WriteByte(src[i])
				advance(1)
			}
			text := b.String()
			if k := strings.Index(text, "//"); k >= 0 {
				text = text[:k]
			}
			toks = append(toks, token{kind: tokDirective, text: strings.TrimSpace(text), pos: pos})
			continue
		}
		lineStart = false
		switch {
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: pos})
			advance(j - i)
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i
			for j < len(src) && (isIdentPart(src[j]) || src[j] == '.' || src[j] == '\'') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], pos: pos})
			advance(j - i)
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				if j < len(src) && src[j] == '\n' {
					return nil, &ParseError{Pos: pos, Msg: "unterminated literal"}
				}
				j++
			}
			if j >= len(src) {
				return nil, &ParseError{Pos: pos, Msg: "unterminated literal"}
			}
			kind := tokString
			if c == '\'' {
				kind = tokChar
			}
			toks = append(toks, token{kind: kind, text: src[i : j+1], pos: pos})
			advance(j + 1 - i)
		default:
			matched := false
			for _, p := range puncts {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p, pos: pos})
					advance(len(p))
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if c >= 0x80 || unicode.IsControl(rune(c)) {
				return nil, &ParseError{Pos: pos, Token: fmt.Sprintf("%q", c), Msg: "unexpected character"}
			}
			toks = append(toks, token{kind: tokPunct, text: string(c), pos: pos})
			advance(1)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

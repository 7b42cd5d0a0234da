package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokIdent // quoted identifier
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

// name returns the identifier a word or quoted-identifier token refers to.
func (t token) name() string {
	if t.kind == tokIdent {
		return t.text[1 : len(t.text)-1]
	}
	return t.text
}

// lex splits a query into tokens, dropping comments and whitespace.
// Quoted strings and identifiers are kept whole so keywords inside them are
// never mistaken for statements.
func lex(sql string) ([]token, error) {
	var toks []token
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			j := i + 2
			for j+1 < len(rs) && (rs[j] != '*' || rs[j+1] != '/') {
				j++
			}
			if j+1 >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated comment", ErrMalformed)
			}
			i = j + 2
		case r == '\'' || r == '"' || r == '`' || r == '[':
			closer := r
			if r == '[' {
				closer = ']'
			}
			j := i + 1
			for {
				if j >= len(rs) {
					return nil, fmt.Errorf("%w: unterminated quote", ErrMalformed)
				}
				if rs[j] == closer {
					if closer != ']' && j+1 < len(rs) && rs[j+1] == closer {
						j += 2
						continue
					}
					break
				}
				j++
			}
			kind := tokIdent
			if r == '\'' {
				kind = tokString
			}
			toks = append(toks, token{kind: kind, text: string(rs[i : j+1])})
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '$') {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: string(rs[i:j])})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		default:
			toks = append(toks, token{kind: tokPunct, text: string(r)})
			i++
		}
	}
	return toks, nil
}

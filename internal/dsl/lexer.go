package dsl

import (
	"strings"
	"unicode"
)

// tokKind classifies lexer output.
type tokKind int

const (
	tokWord tokKind = iota
	tokBlock
	tokEOF
)

// token is a whitespace-delimited clause. For quoted words and brace blocks
// the surrounding delimiters are stripped; escape sequences are kept intact
// so that each downstream mini-parser can apply its own escaping rules.
type token struct {
	kind   tokKind
	raw    string
	pos    int
	quoted bool
}

type lexer struct {
	src string
	i   int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) skipSpace() {
	for l.i < len(l.src) && unicode.IsSpace(rune(l.src[l.i])) {
		l.i++
	}
}

// next returns the next token. Quoting: a word beginning with ' or " runs to
// the matching unescaped quote. Blocks: '{' runs to the balanced '}',
// honouring quotes and escapes inside. Bare words track parenthesis depth so
// directive parameter lists may contain whitespace, as in <path(1, 2)>.
func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.i >= len(l.src) {
		return token{kind: tokEOF, pos: l.i}, nil
	}
	start := l.i
	switch c := l.src[l.i]; c {
	case '\'', '"':
		l.i++
		raw, err := l.scanQuoted(c, start)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokWord, raw: raw, pos: start, quoted: true}, nil
	case '{':
		l.i++
		raw, err := l.scanBlock(start)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokBlock, raw: raw, pos: start}, nil
	default:
		var b strings.Builder
		depth := 0
		for l.i < len(l.src) {
			ch := l.src[l.i]
			if depth == 0 && unicode.IsSpace(rune(ch)) {
				break
			}
			if ch == '\\' {
				if l.i+1 >= len(l.src) {
					return token{}, errAt(l.i, "dangling escape")
				}
				b.WriteByte(ch)
				b.WriteByte(l.src[l.i+1])
				l.i += 2
				continue
			}
			switch ch {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			}
			b.WriteByte(ch)
			l.i++
		}
		return token{kind: tokWord, raw: b.String(), pos: start}, nil
	}
}

func (l *lexer) scanQuoted(quote byte, start int) (string, error) {
	var b strings.Builder
	for l.i < len(l.src) {
		ch := l.src[l.i]
		if ch == '\\' {
			if l.i+1 >= len(l.src) {
				return "", errAt(l.i, "dangling escape")
			}
			b.WriteByte(ch)
			b.WriteByte(l.src[l.i+1])
			l.i += 2
			continue
		}
		if ch == quote {
			l.i++
			return b.String(), nil
		}
		b.WriteByte(ch)
		l.i++
	}
	return "", errAt(start, "unterminated quote")
}

func (l *lexer) scanBlock(start int) (string, error) {
	var b strings.Builder
	depth := 1
	for l.i < len(l.src) {
		ch := l.src[l.i]
		switch ch {
		case '\\':
			if l.i+1 >= len(l.src) {
				return "", errAt(l.i, "dangling escape")
			}
			b.WriteByte(ch)
			b.WriteByte(l.src[l.i+1])
			l.i += 2
			continue
		case '\'', '"':
			// Quoted runs inside a block (condition strings, literals)
			// may contain braces.
			q := ch
			b.WriteByte(ch)
			l.i++
			for l.i < len(l.src) {
				c2 := l.src[l.i]
				if c2 == '\\' && l.i+1 < len(l.src) {
					b.WriteByte(c2)
					b.WriteByte(l.src[l.i+1])
					l.i += 2
					continue
				}
				b.WriteByte(c2)
				l.i++
				if c2 == q {
					break
				}
			}
			continue
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				l.i++
				return b.String(), nil
			}
		}
		b.WriteByte(ch)
		l.i++
	}
	return "", errAt(start, "unterminated block")
}

// unescape resolves \x escape sequences. When forbidSlash is set, \/ is
// rejected: the path separator is always significant in path fragments.
func unescape(raw string, pos int, forbidSlash bool) (string, error) {
	if !strings.ContainsRune(raw, '\\') {
		return raw, nil
	}
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' {
			if i+1 >= len(raw) {
				return "", errAt(pos+i, "dangling escape")
			}
			i++
			if forbidSlash && raw[i] == '/' {
				return "", errAt(pos+i, `\/ is not allowed in a path fragment`)
			}
			b.WriteByte(raw[i])
			continue
		}
		b.WriteByte(raw[i])
	}
	return b.String(), nil
}

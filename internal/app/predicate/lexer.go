package predicate

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokComma
	tokRange
	tokOp
	tokAnd
	tokOr
	tokNot
	tokIn
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokRange:
		return "'..'"
	case tokOp:
		return "operator"
	case tokAnd:
		return "AND"
	case tokOr:
		return "OR"
	case tokNot:
		return "NOT"
	case tokIn:
		return "IN"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

type syntaxError struct {
	pos int
	msg string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.pos, e.msg)
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '.' && i+1 < len(input) && input[i+1] == '.':
			tokens = append(tokens, token{kind: tokRange, text: "..", pos: i})
			i += 2
		case c == '&':
			if i+1 >= len(input) || input[i+1] != '&' {
				return nil, &syntaxError{pos: i, msg: "expected '&&'"}
			}
			tokens = append(tokens, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case c == '|':
			if i+1 >= len(input) || input[i+1] != '|' {
				return nil, &syntaxError{pos: i, msg: "expected '||'"}
			}
			tokens = append(tokens, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case c == '=':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: "=", pos: i})
				i += 2
				continue
			}
			tokens = append(tokens, token{kind: tokOp, text: "=", pos: i})
			i++
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: "!=", pos: i})
				i += 2
				continue
			}
			tokens = append(tokens, token{kind: tokNot, text: "!", pos: i})
			i++
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		case c == '\'' || c == '"':
			end := strings.IndexByte(input[i+1:], c)
			if end < 0 {
				return nil, &syntaxError{pos: i, msg: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tokString, text: input[i+1 : i+1+end], pos: i})
			i += end + 2
		case isDigit(c) || ((c == '-' || c == '+') && i+1 < len(input) && isDigit(input[i+1])):
			start := i
			i++
			for i < len(input) && isDigit(input[i]) {
				i++
			}
			// A single '.' followed by a digit is a fraction; '..' is a range.
			if i+1 < len(input) && input[i] == '.' && isDigit(input[i+1]) {
				i++
				for i < len(input) && isDigit(input[i]) {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(input) && isIdentPart(rune(input[i])) {
				if input[i] == '.' && i+1 < len(input) && input[i+1] == '.' {
					break
				}
				i++
			}
			word := input[start:i]
			tokens = append(tokens, keyword(word, start))
		default:
			return nil, &syntaxError{pos: i, msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(input)})
	return tokens, nil
}

func keyword(word string, pos int) token {
	switch strings.ToUpper(word) {
	case "AND":
		return token{kind: tokAnd, text: word, pos: pos}
	case "OR":
		return token{kind: tokOr, text: word, pos: pos}
	case "NOT":
		return token{kind: tokNot, text: word, pos: pos}
	case "IN":
		return token{kind: tokIn, text: word, pos: pos}
	}
	return token{kind: tokIdent, text: word, pos: pos}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

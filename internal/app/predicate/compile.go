package predicate

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/shopspring/decimal"

	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

// ScriptPrefix selects the script compiler in Compile.
const ScriptPrefix = "js:"

// Compile parses a filter expression into a predicate. Malformed input yields an
// error matching errs.ErrFilterSyntax; evaluation itself never fails.
func Compile(expression string) (Predicate, error) {
	trimmed := strings.TrimSpace(expression)
	if strings.HasPrefix(trimmed, ScriptPrefix) {
		return CompileScript(strings.TrimPrefix(trimmed, ScriptPrefix))
	}
	if trimmed == "" {
		return nil, syntaxErr(expression, &syntaxError{pos: 0, msg: "empty expression"})
	}
	tokens, err := lex(expression)
	if err != nil {
		return nil, syntaxErr(expression, err)
	}
	p := &parser{tokens: tokens}
	pred, err := p.parseOr()
	if err != nil {
		return nil, syntaxErr(expression, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, syntaxErr(expression, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("unexpected %s %q", tok.kind, tok.text)})
	}
	return pred, nil
}

// MustCompile is Compile for expressions known at build time.
func MustCompile(expression string) Predicate {
	pred, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return pred
}

func syntaxErr(expression string, err error) error {
	opts := []errs.Option{
		errs.WithMessage("malformed filter expression"),
		errs.WithField("expression", expression),
		errs.WithCause(err),
	}
	if se, ok := err.(*syntaxError); ok {
		opts = append(opts, errs.WithField("offset", fmt.Sprintf("%d", se.pos)))
	}
	return errs.New("predicate", errs.CodeFilterSyntax, opts...)
}

type parser struct {
	tokens []token
	pos    int
	fields []string
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected %s, found %s", kind, describe(tok))}
	}
	return tok, nil
}

func describe(tok token) string {
	if tok.kind == tokEOF {
		return tok.kind.String()
	}
	return fmt.Sprintf("%s %q", tok.kind, tok.text)
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return Or(terms...), nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return And(terms...), nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.peek().kind == tokNot {
		p.next()
		mark := len(p.fields)
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate(inner, p.fields[mark:]...), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Predicate, error) {
	tok := p.peek()
	switch tok.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		return p.parseComparison()
	default:
		return nil, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected field or '(', found %s", describe(tok))}
	}
}

func (p *parser) parseComparison() (Predicate, error) {
	field := p.next().text
	p.fields = append(p.fields, field)
	tok := p.next()
	switch tok.kind {
	case tokOp:
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return comparison(field, tok.text, lit), nil
	case tokNot:
		if _, err := p.expect(tokIn); err != nil {
			return nil, err
		}
		in, err := p.parseMembership(field)
		if err != nil {
			return nil, err
		}
		return negate(in, field), nil
	case tokIn:
		return p.parseMembership(field)
	default:
		return nil, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected operator after %q, found %s", field, describe(tok))}
	}
}

func (p *parser) parseLiteral() (literal, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return literal{}, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("invalid number %q", tok.text)}
		}
		return literal{text: tok.text, num: d, numeric: true}, nil
	case tokString, tokIdent:
		return literal{text: tok.text}, nil
	default:
		return literal{}, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected value, found %s", describe(tok))}
	}
}

type rangeItem struct {
	lo, hi decimal.Decimal
}

func (p *parser) parseMembership(field string) (Predicate, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	var (
		values []literal
		ranges []rangeItem
	)
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if p.peek().kind == tokRange {
			rangeTok := p.next()
			hi, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			if !lit.numeric || !hi.numeric {
				return nil, &syntaxError{pos: rangeTok.pos, msg: "range bounds must be numeric"}
			}
			if hi.num.LessThan(lit.num) {
				return nil, &syntaxError{pos: rangeTok.pos, msg: "range upper bound below lower bound"}
			}
			ranges = append(ranges, rangeItem{lo: lit.num, hi: hi.num})
		} else {
			values = append(values, lit)
		}
		sep := p.next()
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return nil, &syntaxError{pos: sep.pos, msg: fmt.Sprintf("expected ',' or ')', found %s", describe(sep))}
		}
	}
	if set, ok := integerSet(values, ranges); ok {
		return func(pkt *packet.Packet) bool {
			v, ok := pkt.Field(field)
			if !ok {
				return false
			}
			d, ok := toDecimal(v)
			if !ok || !d.IsInteger() || d.Sign() < 0 || d.GreaterThan(maxUint32) {
				return false
			}
			return set.Contains(uint32(d.IntPart()))
		}, nil
	}
	return func(pkt *packet.Packet) bool {
		v, ok := pkt.Field(field)
		if !ok {
			return false
		}
		for _, lit := range values {
			if cmp, ok := compareValue(v, lit); ok && cmp == 0 {
				return true
			}
		}
		if len(ranges) == 0 {
			return false
		}
		d, ok := toDecimal(v)
		if !ok {
			return false
		}
		for _, r := range ranges {
			if !d.LessThan(r.lo) && !d.GreaterThan(r.hi) {
				return true
			}
		}
		return false
	}, nil
}

var maxUint32 = decimal.NewFromInt(1<<32 - 1)

// maxBitmapSpan bounds range expansion into a bitmap.
const maxBitmapSpan = 1 << 20

func integerSet(values []literal, ranges []rangeItem) (*roaring.Bitmap, bool) {
	set := roaring.New()
	for _, lit := range values {
		if !lit.numeric || !lit.num.IsInteger() || lit.num.Sign() < 0 || lit.num.GreaterThan(maxUint32) {
			return nil, false
		}
		set.Add(uint32(lit.num.IntPart()))
	}
	for _, r := range ranges {
		if !r.lo.IsInteger() || !r.hi.IsInteger() || r.lo.Sign() < 0 || r.hi.GreaterThan(maxUint32) {
			return nil, false
		}
		lo, hi := r.lo.IntPart(), r.hi.IntPart()
		if hi-lo > maxBitmapSpan {
			return nil, false
		}
		set.AddRange(uint64(lo), uint64(hi)+1)
	}
	return set, true
}

// negate inverts pred but stays false while any referenced field is absent.
func negate(pred Predicate, fields ...string) Predicate {
	names := append([]string(nil), fields...)
	inverted := Not(pred)
	return func(pkt *packet.Packet) bool {
		for _, name := range names {
			if _, ok := pkt.Field(name); !ok {
				return false
			}
		}
		return inverted(pkt)
	}
}

func comparison(field, op string, lit literal) Predicate {
	return func(pkt *packet.Packet) bool {
		v, ok := pkt.Field(field)
		if !ok {
			return false
		}
		cmp, ok := compareValue(v, lit)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return cmp == 0
		case "!=":
			return cmp != 0
		case "<":
			return cmp < 0
		case "<=":
			return cmp <= 0
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		default:
			return false
		}
	}
}

package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SeriesRef names one series and the payload field a comparison reads.
type SeriesRef struct {
	Type     SeriesType `json:"type"`
	SeriesID string     `json:"series_id"`
	Field    string     `json:"field"`
}

// Kind returns the feed that provides the referenced series.
func (r SeriesRef) Kind() SourceKind { return r.Type.Kind() }

func (r SeriesRef) String() string {
	return fmt.Sprintf("%s[%s:%s].%s", r.Type, r.Kind(), r.SeriesID, r.Field)
}

// Operator is a comparison operator.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Resolver returns the latest payload of a referenced series.
type Resolver func(ref SeriesRef) (Payload, bool)

// Statement is a parsed trigger condition.
type Statement struct {
	src  string
	root node
	refs []SeriesRef
}

// Source returns the text the statement was parsed from.
func (s *Statement) Source() string { return s.src }

func (s *Statement) String() string { return s.root.String() }

// Refs returns each distinct (series type, series id) referenced, in order of
// first appearance. Field is the first field read from that series.
func (s *Statement) Refs() []SeriesRef {
	out := make([]SeriesRef, len(s.refs))
	copy(out, s.refs)
	return out
}

// ValidateFor rejects statements referencing feeds the basin has not enabled.
func (s *Statement) ValidateFor(src Source) error {
	for _, ref := range s.refs {
		if !src.Enabled(ref.Kind()) {
			return fmt.Errorf("%w: %s requires the %s source, not enabled for basin %q", ErrUnknownSeries, ref, ref.Kind(), src.Basin)
		}
	}
	return nil
}

// Eval evaluates the statement. Every comparison is evaluated, without short
// circuiting, so a missing value anywhere yields ErrMissingData rather than a
// decision.
func (s *Statement) Eval(resolve Resolver) (bool, error) {
	return s.root.eval(resolve)
}

type node interface {
	eval(Resolver) (bool, error)
	String() string
}

type comparison struct {
	ref SeriesRef
	op  Operator
	lit Value
}

func (c comparison) eval(resolve Resolver) (bool, error) {
	p, ok := resolve(c.ref)
	if !ok {
		return false, fmt.Errorf("%w: no record for %s", ErrMissingData, c.ref)
	}
	v, ok := p.Field(c.ref.Field)
	if !ok {
		return false, fmt.Errorf("%w: %s not reported", ErrMissingData, c.ref)
	}
	if v.IsText != c.lit.IsText {
		return false, fmt.Errorf("%w: %s compares %s with %s", ErrInvalidStatement, c.ref, v, c.lit)
	}
	if v.IsText {
		switch c.op {
		case OpEQ:
			return v.Str == c.lit.Str, nil
		case OpNE:
			return v.Str != c.lit.Str, nil
		}
		return false, fmt.Errorf("%w: operator %s on text field %s", ErrInvalidStatement, c.op, c.ref)
	}
	switch c.op {
	case OpGT:
		return v.Num > c.lit.Num, nil
	case OpGE:
		return v.Num >= c.lit.Num, nil
	case OpLT:
		return v.Num < c.lit.Num, nil
	case OpLE:
		return v.Num <= c.lit.Num, nil
	case OpEQ:
		return v.Num == c.lit.Num, nil
	case OpNE:
		return v.Num != c.lit.Num, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidStatement, c.op)
}

func (c comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.ref, c.op, c.lit)
}

type logical struct {
	and         bool
	left, right node
}

func (l logical) eval(resolve Resolver) (bool, error) {
	a, errA := l.left.eval(resolve)
	b, errB := l.right.eval(resolve)
	if err := errors.Join(errA, errB); err != nil {
		return false, err
	}
	if l.and {
		return a && b, nil
	}
	return a || b, nil
}

func (l logical) String() string {
	op := "||"
	if l.and {
		op = "&&"
	}
	return fmt.Sprintf("(%s %s %s)", l.left, op, l.right)
}

type negation struct{ x node }

func (n negation) eval(resolve Resolver) (bool, error) {
	v, err := n.x.eval(resolve)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (n negation) String() string { return "!" + n.x.String() }

// ParseStatement parses and type-checks a trigger statement.
//
// Grammar:
//
//	expr       = and { ("||" | "or") and }
//	and        = unary { ("&&" | "and") unary }
//	unary      = ("!" | "not") unary | "(" expr ")" | comparison
//	comparison = seriesType "[" [kind ":"] id "]" ["." field] op literal
//	op         = ">" | ">=" | "<" | "<=" | "==" | "!="
//	literal    = number | "\"" text "\""
func ParseStatement(src string) (*Statement, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStatement, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStatement, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidStatement, t.text, t.pos)
	}
	return &Statement{src: src, root: root, refs: p.refs}, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokBracket
	tokDot
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case r == '[':
			end := i + 1
			for end < len(rs) && rs[end] != ']' {
				end++
			}
			if end == len(rs) {
				return nil, fmt.Errorf("unterminated '[' at offset %d", i)
			}
			toks = append(toks, token{tokBracket, strings.TrimSpace(string(rs[i+1 : end])), i})
			i = end + 1
		case r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			if end == len(rs) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, string(rs[i+1 : end]), i})
			i = end + 1
		case r == '&' || r == '|':
			if i+1 >= len(rs) || rs[i+1] != r {
				return nil, fmt.Errorf("expected %c%c at offset %d", r, r, i)
			}
			kind := tokAnd
			if r == '|' {
				kind = tokOr
			}
			toks = append(toks, token{kind, string(rs[i : i+2]), i})
			i += 2
		case strings.ContainsRune("<>=!", r):
			if i+1 < len(rs) && rs[i+1] == '=' {
				toks = append(toks, token{tokOp, string(rs[i : i+2]), i})
				i += 2
				continue
			}
			switch r {
			case '!':
				toks = append(toks, token{tokNot, "!", i})
			case '=':
				return nil, fmt.Errorf("expected == at offset %d", i)
			default:
				toks = append(toks, token{tokOp, string(r), i})
			}
			i++
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			end := i + 1
			for end < len(rs) && (unicode.IsDigit(rs[end]) || rs[end] == '.') {
				end++
			}
			toks = append(toks, token{tokNumber, string(rs[i:end]), i})
			i = end
		case unicode.IsLetter(r) || r == '_':
			end := i + 1
			for end < len(rs) && (unicode.IsLetter(rs[end]) || unicode.IsDigit(rs[end]) || rs[end] == '_' || rs[end] == '-') {
				end++
			}
			word := string(rs[i:end])
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word, i})
			case "or":
				toks = append(toks, token{tokOr, word, i})
			case "not":
				toks = append(toks, token{tokNot, word, i})
			default:
				toks = append(toks, token{tokIdent, word, i})
			}
			i = end
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	toks []token
	pos  int
	refs []SeriesRef
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch t := p.peek(); t.kind {
	case tokNot:
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negation{x: x}, nil
	case tokLParen:
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", closing.pos)
		}
		return x, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	ref, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator after %s at offset %d", ref, opTok.pos)
	}
	op := Operator(opTok.text)

	litTok := p.next()
	var lit Value
	switch litTok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(litTok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", litTok.text, litTok.pos)
		}
		lit = NumberValue(f)
	case tokString:
		lit = TextValue(litTok.text)
	default:
		return nil, fmt.Errorf("expected number or string at offset %d", litTok.pos)
	}

	spec := payloadFields[ref.Kind()][ref.Field]
	if (spec.kind == fieldText) != lit.IsText {
		return nil, fmt.Errorf("%s cannot be compared with %s", ref, lit)
	}
	if spec.kind == fieldText && op != OpEQ && op != OpNE {
		return nil, fmt.Errorf("text field %s supports only == and !=", ref)
	}
	p.addRef(ref)
	return comparison{ref: ref, op: op, lit: lit}, nil
}

func (p *parser) parseRef() (SeriesRef, error) {
	typTok := p.next()
	if typTok.kind != tokIdent {
		return SeriesRef{}, fmt.Errorf("expected series type at offset %d", typTok.pos)
	}
	typ, err := ParseSeriesType(typTok.text)
	if err != nil {
		return SeriesRef{}, fmt.Errorf("%w at offset %d", err, typTok.pos)
	}
	br := p.next()
	if br.kind != tokBracket || br.text == "" {
		return SeriesRef{}, fmt.Errorf("expected [series id] after %s at offset %d", typ, br.pos)
	}
	id := br.text
	if kindName, rest, ok := strings.Cut(br.text, ":"); ok {
		kind, err := ParseSourceKind(kindName)
		if err != nil {
			return SeriesRef{}, err
		}
		if kind != typ.Kind() {
			return SeriesRef{}, fmt.Errorf("%w: %s is provided by %s, not %s", ErrUnknownSeries, typ, typ.Kind(), kind)
		}
		id = strings.TrimSpace(rest)
	}
	// "water-level[series 42]" reads as water_level[42].
	if rest, ok := strings.CutPrefix(id, "series "); ok {
		id = strings.TrimSpace(rest)
	}
	if id == "" {
		return SeriesRef{}, fmt.Errorf("empty series id at offset %d", br.pos)
	}

	field := defaultFields[typ.Kind()]
	if p.peek().kind == tokDot {
		p.next()
		f := p.next()
		if f.kind != tokIdent {
			return SeriesRef{}, fmt.Errorf("expected field name at offset %d", f.pos)
		}
		field = strings.ToLower(f.text)
	}
	if _, ok := payloadFields[typ.Kind()][field]; !ok {
		return SeriesRef{}, fmt.Errorf("%w: %s has no field %q", ErrUnknownSeries, typ, field)
	}
	return SeriesRef{Type: typ, SeriesID: id, Field: field}, nil
}

func (p *parser) addRef(ref SeriesRef) {
	for _, r := range p.refs {
		if r.Type == ref.Type && r.SeriesID == ref.SeriesID {
			return
		}
	}
	p.refs = append(p.refs, ref)
}

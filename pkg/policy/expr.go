// Package policy evaluates tenant policy packs: a small, total boolean
// expression language over normalized exception fields, rule evaluation
// with deterministic ordering, and playbook ranking.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// maxDepth bounds expression nesting at parse time. Rule conditions are
// authored by humans; anything deeper is a mistake, not a use case.
const maxDepth = 32

// Expr is a parsed, immutable condition. Evaluation is total: it cannot
// fail, loop, or side-effect. Missing fields and type mismatches simply
// make the enclosing comparison false.
type Expr struct {
	root node
	src  string
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the condition against a field map. Values are the
// JSON-decoded forms: float64, string, bool, []any, map[string]any.
func (e *Expr) Eval(fields map[string]any) bool {
	return truthy(e.root.eval(fields))
}

// Parse compiles a condition. Returns an error on syntax violations,
// unknown operators, or nesting beyond the depth limit.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parsing condition %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, fmt.Errorf("parsing condition %q: %w", src, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("parsing condition %q: unexpected %q", src, p.toks[p.pos].text)
	}
	return &Expr{root: root, src: src}, nil
}

// MustParse is for built-in conditions known to be valid.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' || src[j] == 'e' || src[j] == 'E' || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokNumber, strings.ReplaceAll(src[i:j], "_", "")})
			i = j
		case strings.ContainsRune("=!<>&|", rune(c)):
			j := i + 1
			for j < len(src) && strings.ContainsRune("=!<>&|", rune(src[j])) {
				j++
			}
			op := src[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
			default:
				return nil, fmt.Errorf("unknown operator %q at offset %d", op, i)
			}
			toks = append(toks, token{tokOp, op})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			word := src[i:j]
			switch word {
			case "and", "or", "not", "in", "contains":
				toks = append(toks, token{tokOp, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression exceeds depth limit %d", maxDepth)
	}
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("or", "||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", left: left, right: right}
	}
}

func (p *parser) parseAnd(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression exceeds depth limit %d", maxDepth)
	}
	left, err := p.parseNot(depth + 1)
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("and", "&&"); !ok {
			return left, nil
		}
		right, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", left: left, right: right}
	}
}

func (p *parser) parseNot(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression exceeds depth limit %d", maxDepth)
	}
	if _, ok := p.acceptOp("not", "!"); ok {
		inner, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison(depth + 1)
}

func (p *parser) parseComparison(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression exceeds depth limit %d", maxDepth)
	}
	left, err := p.parseTerm(depth + 1)
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<", "<=", ">", ">=", "in", "contains")
	if !ok {
		return left, nil
	}
	right, err := p.parseTerm(depth + 1)
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseTerm(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("expression exceeds depth limit %d", maxDepth)
	}
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		p.pos++
		return &literalNode{value: t.text}, nil
	case tokIdent:
		p.pos++
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		return &fieldNode{path: strings.Split(t.text, ".")}, nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokLBracket:
		return p.parseList(depth + 1)
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

func (p *parser) parseList(depth int) (node, error) {
	p.pos++ // consume '['
	var items []node
	for {
		t, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if t.kind == tokRBracket {
			p.pos++
			return &listNode{items: items}, nil
		}
		if len(items) > 0 {
			if t.kind != tokComma {
				return nil, fmt.Errorf("expected comma in list, got %q", t.text)
			}
			p.pos++
		}
		item, err := p.parseTerm(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

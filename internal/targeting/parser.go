package targeting

import (
	"errors"
	"fmt"
)

var ErrSyntax = errors.New("targeting: syntax error")

const (
	maxExpressionLen = 4096
	maxDepth         = 64
)

// Program is a compiled targeting expression. It is immutable and safe for
// concurrent use.
type Program struct {
	src  string
	root node
}

func (p *Program) String() string { return p.src }

// Eval evaluates the program against c. An empty program is always true.
func (p *Program) Eval(c Context) bool {
	if p == nil || p.root == nil {
		return true
	}
	return p.root.eval(c).Truthy()
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	if len(src) > maxExpressionLen {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, maxExpressionLen)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if len(toks) == 1 {
		return &Program{src: src}, nil
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s at %d", ErrSyntax, t.kind, t.pos)
	}
	return &Program{src: src, root: root}, nil
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, fmt.Errorf("expected %s, got %s at %d", k, t.kind, t.pos)
	}
	return t, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("expression nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
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
		left = orNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe, tokIn:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, l: left, r: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literal{v: Number(t.num)}, nil
	case tokString:
		return literal{v: String(t.text)}, nil
	case tokTrue:
		return literal{v: Bool(true)}, nil
	case tokFalse:
		return literal{v: Bool(false)}, nil
	case tokNull:
		return literal{v: Null()}, nil
	case tokIdent:
		return pathNode{name: t.text}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return x, nil
	case tokLBrack:
		return p.parseList()
	default:
		return nil, fmt.Errorf("unexpected %s at %d", t.kind, t.pos)
	}
}

func (p *parser) parseList() (node, error) {
	var items []node
	if p.peek().kind == tokRBrack {
		p.next()
		return listNode{}, nil
	}
	for {
		x, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if _, ok := x.(listNode); ok {
			return nil, fmt.Errorf("nested lists are not supported")
		}
		items = append(items, x)
		t := p.next()
		if t.kind == tokRBrack {
			return listNode{items: items}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected , or ] in list, got %s at %d", t.kind, t.pos)
		}
	}
}

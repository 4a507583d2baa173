package targeting

import "strings"

// node is one element of a compiled expression. Evaluation is total: every
// node yields a Value and none can fail or reach outside the Context.
type node interface {
	eval(c Context) Value
}

type literal struct{ v Value }

func (n literal) eval(Context) Value { return n.v }

type pathNode struct{ name string }

func (n pathNode) eval(c Context) Value { return c.Lookup(n.name) }

type listNode struct{ items []node }

func (n listNode) eval(c Context) Value {
	out := make([]Value, len(n.items))
	for i, it := range n.items {
		out[i] = it.eval(c)
	}
	return List(out...)
}

type notNode struct{ x node }

func (n notNode) eval(c Context) Value { return Bool(!n.x.eval(c).Truthy()) }

type andNode struct{ l, r node }

func (n andNode) eval(c Context) Value {
	if !n.l.eval(c).Truthy() {
		return Bool(false)
	}
	return Bool(n.r.eval(c).Truthy())
}

type orNode struct{ l, r node }

func (n orNode) eval(c Context) Value {
	if n.l.eval(c).Truthy() {
		return Bool(true)
	}
	return Bool(n.r.eval(c).Truthy())
}

type cmpNode struct {
	op   tokenKind
	l, r node
}

// eval compares two operands. Any comparison involving an absent operand is
// false, including !=.
func (n cmpNode) eval(c Context) Value {
	l := n.l.eval(c)
	r := n.r.eval(c)
	if l.IsAbsent() || r.IsAbsent() {
		return Bool(false)
	}
	switch n.op {
	case tokEq:
		return Bool(l.equal(r))
	case tokNe:
		return Bool(!l.equal(r))
	case tokIn:
		return Bool(contains(r, l))
	case tokLt, tokLe, tokGt, tokGe:
		cmp, ok := order(l, r)
		if !ok {
			return Bool(false)
		}
		switch n.op {
		case tokLt:
			return Bool(cmp < 0)
		case tokLe:
			return Bool(cmp <= 0)
		case tokGt:
			return Bool(cmp > 0)
		default:
			return Bool(cmp >= 0)
		}
	}
	return Bool(false)
}

func order(l, r Value) (int, bool) {
	switch {
	case l.kind == KindNumber && r.kind == KindNumber:
		switch {
		case l.n < r.n:
			return -1, true
		case l.n > r.n:
			return 1, true
		case l.n == r.n:
			return 0, true
		}
		return 0, false // NaN
	case l.kind == KindString && r.kind == KindString:
		return strings.Compare(l.s, r.s), true
	}
	return 0, false
}

func contains(haystack, needle Value) bool {
	switch haystack.kind {
	case KindList:
		for _, it := range haystack.list {
			if it.equal(needle) {
				return true
			}
		}
	case KindString:
		if needle.kind == KindString {
			return strings.Contains(haystack.s, needle.s)
		}
	}
	return false
}

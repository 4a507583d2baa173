package targeting

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind enumerates the closed set of value types the evaluator understands.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable evaluator value. The zero Value is absent.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Number(n float64) Value    { return Value{kind: KindNumber, n: n} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsAbsent() bool   { return v.kind == KindAbsent }
func (v Value) AsString() string { return v.s }

// Truthy follows the usual scripting rules: false, 0, "", null, absent and
// the empty list are falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.list) > 0
	default:
		return false
	}
}

func (v Value) equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<absent>"
	}
}

// ValueOf converts a Go value into a Value. Only JSON-like scalars and lists
// are accepted.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("targeting: number %q: %w", t, err)
		}
		return Number(f), nil
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return List(out...), nil
	case []any:
		out := make([]Value, len(t))
		for i, it := range t {
			v, err := ValueOf(it)
			if err != nil {
				return Value{}, err
			}
			if v.kind == KindList {
				return Value{}, fmt.Errorf("targeting: nested lists are not supported")
			}
			out[i] = v
		}
		return List(out...), nil
	default:
		return Value{}, fmt.Errorf("targeting: unsupported context value of type %T", x)
	}
}

// Context is the flat attribute map an expression is evaluated against.
// Keys are full dotted paths ("user.locale").
type Context map[string]Value

// NewContext builds a Context from JSON-like data. Nested objects are
// flattened into dotted keys.
func NewContext(m map[string]any) (Context, error) {
	c := make(Context, len(m))
	if err := flatten(c, "", m); err != nil {
		return nil, err
	}
	return c, nil
}

// MustContext is NewContext for literals in tests and static setup.
func MustContext(m map[string]any) Context {
	c, err := NewContext(m)
	if err != nil {
		panic(err)
	}
	return c
}

func flatten(dst Context, prefix string, m map[string]any) error {
	for k, x := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := x.(map[string]any); ok {
			if err := flatten(dst, key, nested); err != nil {
				return err
			}
			continue
		}
		v, err := ValueOf(x)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst[key] = v
	}
	return nil
}

// Lookup returns the value at path, or an absent value.
func (c Context) Lookup(path string) Value {
	if c == nil {
		return Value{}
	}
	return c[path]
}

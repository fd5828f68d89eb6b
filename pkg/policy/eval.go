package policy

import (
	"encoding/json"
	"strings"
)

// node is one AST node. eval is total: any value mismatch yields nil or
// false rather than an error.
type node interface {
	eval(fields map[string]any) any
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(map[string]any) any { return n.value }

type fieldNode struct {
	path []string
}

func (n *fieldNode) eval(fields map[string]any) any {
	var cur any = fields
	for _, seg := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

type listNode struct {
	items []node
}

func (n *listNode) eval(fields map[string]any) any {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		out[i] = item.eval(fields)
	}
	return out
}

type notNode struct {
	inner node
}

func (n *notNode) eval(fields map[string]any) any {
	return !truthy(n.inner.eval(fields))
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(fields map[string]any) any {
	switch n.op {
	case "and":
		return truthy(n.left.eval(fields)) && truthy(n.right.eval(fields))
	case "or":
		return truthy(n.left.eval(fields)) || truthy(n.right.eval(fields))
	}

	l := n.left.eval(fields)
	r := n.right.eval(fields)
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return l != nil && r != nil && !equal(l, r)
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "in":
		list, ok := r.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(l, item) {
				return true
			}
		}
		return false
	case "contains":
		switch container := l.(type) {
		case string:
			s, ok := r.(string)
			return ok && strings.Contains(container, s)
		case []any:
			for _, item := range container {
				if equal(item, r) {
					return true
				}
			}
			return false
		}
		return false
	}
	return false
}

// truthy maps an evaluated value to bool: only true is truthy.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return false
	}
	if lf, lok := asFloat(l); lok {
		rf, rok := asFloat(r)
		return rok && lf == rf
	}
	return l == r
}

func compare(op string, l, r any) bool {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

// asFloat coerces JSON number representations. json.Number shows up when
// payloads are decoded with UseNumber.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

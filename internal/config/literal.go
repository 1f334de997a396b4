package config

import (
	"go.starlark.net/syntax"
)

var literalOptions = &syntax.FileOptions{}

// ParseLiteral interprets raw as a single literal: an integer, a float,
// True, False, None, a quoted string, or a list, tuple or dict of literals.
// Any other input reports false and the caller keeps the raw text.
func ParseLiteral(raw string) (value any, ok bool) {
	defer func() {
		if recover() != nil {
			value, ok = nil, false
		}
	}()

	expr, err := literalOptions.ParseExpr("literal", raw, 0)
	if err != nil {
		return nil, false
	}
	return literal(expr)
}

func literal(expr syntax.Expr) (any, bool) {
	switch e := expr.(type) {
	case *syntax.Literal:
		switch v := e.Value.(type) {
		case int64:
			return v, true
		case float64:
			return v, true
		case string:
			// BYTES literals carry a string value too.
			return v, e.Token == syntax.STRING
		}
		return nil, false
	case *syntax.Ident:
		switch e.Name {
		case "True":
			return true, true
		case "False":
			return false, true
		case "None":
			return nil, true
		}
		return nil, false
	case *syntax.UnaryExpr:
		if e.X == nil {
			return nil, false
		}
		v, ok := literal(e.X)
		if !ok {
			return nil, false
		}
		return signed(e.Op, v)
	case *syntax.ParenExpr:
		return literal(e.X)
	case *syntax.ListExpr:
		return sequence(e.List)
	case *syntax.TupleExpr:
		return sequence(e.List)
	case *syntax.DictExpr:
		out := make(map[string]any, len(e.List))
		for _, item := range e.List {
			entry, ok := item.(*syntax.DictEntry)
			if !ok {
				return nil, false
			}
			key, ok := literal(entry.Key)
			if !ok {
				return nil, false
			}
			name, ok := key.(string)
			if !ok {
				return nil, false
			}
			value, ok := literal(entry.Value)
			if !ok {
				return nil, false
			}
			out[name] = value
		}
		return out, true
	}
	return nil, false
}

func signed(op syntax.Token, v any) (any, bool) {
	switch op {
	case syntax.MINUS:
		switch n := v.(type) {
		case int64:
			return -n, true
		case float64:
			return -n, true
		}
	case syntax.PLUS:
		switch v.(type) {
		case int64, float64:
			return v, true
		}
	}
	return nil, false
}

func sequence(items []syntax.Expr) (any, bool) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, ok := literal(item)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// Package expr evaluates boolean condition expressions after template
// resolution. The grammar covers comparisons, &&, ||, unary ! and
// parentheses over literal values; there is no host-language eval and
// nothing user-supplied is ever executed.
//
// Error policy: any parse or lookup failure yields false. Conditions must
// never abort an execution because of a malformed expression.
package expr

import (
	"strconv"
	"strings"
)

// Eval evaluates a template-resolved expression to a boolean. A lone value
// evaluates to its truthiness; comparisons follow loose (==, !=) or strict
// (===, !==) equality with string/number coercion on the loose forms.
func Eval(input string) bool {
	v, ok := evalOr(input)
	if !ok {
		return false
	}
	return v
}

func evalOr(s string) (bool, bool) {
	parts, ok := splitTop(s, "||")
	if !ok {
		return false, false
	}
	if len(parts) > 1 {
		for _, p := range parts {
			v, ok := evalAnd(p)
			if !ok {
				return false, false
			}
			if v {
				return true, true
			}
		}
		return false, true
	}
	return evalAnd(s)
}

func evalAnd(s string) (bool, bool) {
	parts, ok := splitTop(s, "&&")
	if !ok {
		return false, false
	}
	if len(parts) > 1 {
		for _, p := range parts {
			v, ok := evalUnary(p)
			if !ok {
				return false, false
			}
			if !v {
				return false, true
			}
		}
		return true, true
	}
	return evalUnary(s)
}

func evalUnary(s string) (bool, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		v, ok := evalUnary(s[1:])
		if !ok {
			return false, false
		}
		return !v, true
	}
	if inner, wrapped := unwrapParens(s); wrapped {
		return evalOr(inner)
	}
	return evalComparison(s)
}

// comparison operators in match order: longer operators first so that
// "===" is never misread as "==" followed by "=".
var operators = []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"}

func evalComparison(s string) (bool, bool) {
	op, left, right, found, ok := splitComparison(s)
	if !ok {
		return false, false
	}
	if !found {
		return truthy(parseValue(s)), true
	}
	l, r := parseValue(left), parseValue(right)
	switch op {
	case "===":
		return strictEqual(l, r), true
	case "!==":
		return !strictEqual(l, r), true
	case "==":
		return looseEqual(l, r), true
	case "!=":
		return !looseEqual(l, r), true
	case ">=", "<=", ">", "<":
		ln, lok := toNumber(l)
		rn, rok := toNumber(r)
		if !lok || !rok {
			return false, true
		}
		switch op {
		case ">=":
			return ln >= rn, true
		case "<=":
			return ln <= rn, true
		case ">":
			return ln > rn, true
		default:
			return ln < rn, true
		}
	}
	return false, false
}

// splitComparison finds the first top-level comparison operator outside
// quotes and parentheses. It reports found=false for a lone value and
// ok=false for unbalanced input.
func splitComparison(s string) (op, left, right string, found, ok bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", "", "", false, false
			}
		default:
			if depth > 0 {
				continue
			}
			for _, cand := range operators {
				if strings.HasPrefix(s[i:], cand) {
					// A leading "!" is unary negation, handled upstream.
					if cand == "!=" && i == 0 {
						break
					}
					return cand, s[:i], s[i+len(cand):], true, true
				}
			}
		}
	}
	if depth != 0 || quote != 0 {
		return "", "", "", false, false
	}
	return "", "", "", false, true
}

// splitTop splits s on the given operator at depth zero, outside quotes.
// ok is false when quotes or parentheses are unbalanced.
func splitTop(s, op string) ([]string, bool) {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, false
			}
		default:
			if depth == 0 && strings.HasPrefix(s[i:], op) {
				parts = append(parts, s[start:i])
				i += len(op) - 1
				start = i + 1
			}
		}
	}
	if depth != 0 || quote != 0 {
		return nil, false
	}
	parts = append(parts, s[start:])
	return parts, true
}

// unwrapParens reports whether s is a single balanced parenthesized group
// and returns its contents.
func unwrapParens(s string) (string, bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", false
	}
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return "", false
			}
		}
	}
	if depth != 0 {
		return "", false
	}
	return s[1 : len(s)-1], true
}

type kind int

const (
	kindString kind = iota
	kindNumber
	kindBool
	kindNull
	kindUndefined
)

type value struct {
	kind kind
	str  string
	num  float64
	b    bool
}

// parseValue interprets a token the way the resolved expressions carry them:
// quoted strings, numbers, true/false, null/undefined, and barewords (which
// are template-resolved strings inserted without quotes).
func parseValue(s string) value {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return value{kind: kindString, str: s[1 : len(s)-1]}
		}
	}
	switch s {
	case "true":
		return value{kind: kindBool, b: true}
	case "false":
		return value{kind: kindBool, b: false}
	case "null":
		return value{kind: kindNull}
	case "undefined":
		return value{kind: kindUndefined}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return value{kind: kindNumber, num: n}
	}
	return value{kind: kindString, str: s}
}

func truthy(v value) bool {
	switch v.kind {
	case kindString:
		return v.str != ""
	case kindNumber:
		return v.num != 0
	case kindBool:
		return v.b
	default:
		return false
	}
}

func strictEqual(a, b value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindString:
		return a.str == b.str
	case kindNumber:
		return a.num == b.num
	case kindBool:
		return a.b == b.b
	default:
		return true
	}
}

// looseEqual coerces across string and number: numeric-looking strings
// compare as numbers, the empty string equals undefined, and null equals
// undefined.
func looseEqual(a, b value) bool {
	if a.kind == b.kind {
		return strictEqual(a, b)
	}
	if (a.kind == kindNull || a.kind == kindUndefined) && (b.kind == kindNull || b.kind == kindUndefined) {
		return true
	}
	if a.kind == kindString && a.str == "" && (b.kind == kindUndefined || b.kind == kindNull) {
		return true
	}
	if b.kind == kindString && b.str == "" && (a.kind == kindUndefined || a.kind == kindNull) {
		return true
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	return false
}

func toNumber(v value) (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.num, true
	case kindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case kindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

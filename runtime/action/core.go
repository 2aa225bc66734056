package action

import (
	"context"
	"strings"

	"github.com/loomhq/loom/runtime/expr"
	"github.com/loomhq/loom/runtime/template"
	"github.com/loomhq/loom/runtime/workflow"
)

// RegisterCore registers the actions with no external dependencies: the
// trigger passthroughs, condition and transform.
func RegisterCore(r *Registry) {
	r.Register(workflow.NodeWebhookTrigger, Trigger)
	r.Register(workflow.NodeScheduleTrigger, Trigger)
	r.Register(workflow.NodeEmailTrigger, Trigger)
	r.Register(workflow.NodeCondition, Condition)
	r.Register(workflow.NodeTransform, Transform)
}

// Trigger passes the trigger payload through as the node's output so
// downstream templates can address it by node id as well as by "trigger".
func Trigger(_ context.Context, in Input) Result {
	return OK(in.Context["trigger"])
}

// Condition evaluates the node's expression and outputs {"result": bool}.
// The expression is resolved in string form so a lone placeholder keeps its
// truthiness (a numeric 200 stringifies and stays truthy) instead of being
// promoted to a native value. A malformed expression is false, never an
// error.
func Condition(_ context.Context, in Input) Result {
	raw, _ := in.Node.Data["expression"].(string)
	return OK(map[string]any{"result": expr.Eval(template.Resolve(raw, in.Context))})
}

// Transform reshapes context data. The node's expression is interpreted in
// order as a dot path into the context, a boolean expression when it contains
// a comparison or logical operator, and otherwise a template-resolved literal.
func Transform(_ context.Context, in Input) Result {
	raw, _ := in.Node.Data["expression"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Fail("transform node requires an expression")
	}
	if v, ok := template.Lookup(in.Context, raw); ok {
		return OK(v)
	}
	if isBooleanExpr(raw) {
		return OK(expr.Eval(template.Resolve(raw, in.Context)))
	}
	return OK(template.ResolveValue(raw, in.Context))
}

// isBooleanExpr reports whether the raw expression contains a comparison or
// logical operator outside of quotes.
func isBooleanExpr(s string) bool {
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inQuote = c
		case '=', '!':
			if i+1 < len(s) && s[i+1] == '=' {
				return true
			}
		case '<', '>':
			return true
		case '&', '|':
			if i+1 < len(s) && s[i+1] == c {
				return true
			}
		}
	}
	return false
}

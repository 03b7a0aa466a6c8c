// ABOUTME: Expression language for node conditions and parameter templates.
// ABOUTME: Evaluates clauses like "<+steps.build.status> == SUCCEEDED && <+pipeline.variables.env> != prod".
package expression

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEvaluation is wrapped by every evaluation failure.
var ErrEvaluation = errors.New("expression evaluation failed")

// Error describes a failed evaluation.
type Error struct {
	Expr   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluate %q: %s", e.Expr, e.Reason)
}

// Unwrap lets callers match ErrEvaluation with errors.Is.
func (e *Error) Unwrap() error {
	return ErrEvaluation
}

// Scope resolves dotted reference paths.
type Scope interface {
	Lookup(path string) (any, bool)
}

// Evaluator evaluates an expression against a scope. The engine only depends
// on this interface; DefaultEvaluator is used when none is injected.
type Evaluator interface {
	Evaluate(expr string, scope Scope) (any, error)
}

// DefaultEvaluator implements the built-in grammar:
//
//	Expr:    Or
//	Or:      And ('||' And)*
//	And:     Clause ('&&' Clause)*
//	Clause:  Operand (('==' | '=' | '!=') Operand)?
//	Operand: '<+' Path '>' | 'true' | 'false' | Literal
//
// A lone reference returns the referenced value unchanged. Comparisons are
// made on the string forms of both sides. Unknown references are errors.
type DefaultEvaluator struct{}

// Evaluate evaluates expr against scope.
func (DefaultEvaluator) Evaluate(expr string, scope Scope) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &Error{Expr: expr, Reason: "empty expression"}
	}

	disjuncts := splitOutside(trimmed, "||")
	if len(disjuncts) == 1 && indexOutside(trimmed, "&&") < 0 {
		return evaluateClause(expr, trimmed, scope)
	}

	for _, disjunct := range disjuncts {
		ok := true
		for _, clause := range splitOutside(disjunct, "&&") {
			c := strings.TrimSpace(clause)
			if c == "" {
				return nil, &Error{Expr: expr, Reason: "empty clause"}
			}
			v, err := evaluateClause(expr, c, scope)
			if err != nil {
				return nil, err
			}
			b, err := toBool(expr, v)
			if err != nil {
				return nil, err
			}
			if !b {
				ok = false
				break
			}
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// evaluateClause evaluates a comparison or a single operand.
func evaluateClause(expr, clause string, scope Scope) (any, error) {
	// Try != first (longer operator), then ==, then =.
	for _, op := range []string{"!=", "==", "="} {
		idx := indexOutside(clause, op)
		if idx < 0 {
			continue
		}
		left, err := operand(expr, strings.TrimSpace(clause[:idx]), scope)
		if err != nil {
			return nil, err
		}
		right, err := operand(expr, strings.TrimSpace(clause[idx+len(op):]), scope)
		if err != nil {
			return nil, err
		}
		equal := stringify(left) == stringify(right)
		if op == "!=" {
			return !equal, nil
		}
		return equal, nil
	}
	return operand(expr, clause, scope)
}

// indexOutside finds op outside any <+...> reference or quoted literal.
// A quote only opens a literal at the start of an operand.
func indexOutside(s, op string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case strings.HasPrefix(s[i:], "<+"):
			depth++
			i++
		case depth > 0:
			if c == '>' {
				depth--
			}
		case (c == '"' || c == '\'') && operandStart(s, i):
			quote = c
		case strings.HasPrefix(s[i:], op):
			return i
		}
	}
	return -1
}

func operandStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	return strings.IndexByte(" \t=!&|", s[i-1]) >= 0
}

// splitOutside splits s on every sep found by indexOutside.
func splitOutside(s, sep string) []string {
	var parts []string
	for {
		i := indexOutside(s, sep)
		if i < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:i])
		s = s[i+len(sep):]
	}
}

func operand(expr, raw string, scope Scope) (any, error) {
	if raw == "" {
		return nil, &Error{Expr: expr, Reason: "missing operand"}
	}
	if path, ok := referencePath(raw); ok {
		return lookup(expr, path, scope)
	}
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return raw[1 : len(raw)-1], nil
		}
	}
	if strings.Contains(raw, "<+") {
		return nil, &Error{Expr: expr, Reason: fmt.Sprintf("malformed reference %q", raw)}
	}
	return raw, nil
}

// referencePath returns the path inside a "<+path>" operand.
func referencePath(s string) (string, bool) {
	if !strings.HasPrefix(s, "<+") || !strings.HasSuffix(s, ">") {
		return "", false
	}
	path := strings.TrimSpace(s[2 : len(s)-1])
	if path == "" || strings.ContainsAny(path, "<>") {
		return "", false
	}
	return path, true
}

func lookup(expr, path string, scope Scope) (any, error) {
	if scope == nil {
		return nil, &Error{Expr: expr, Reason: fmt.Sprintf("unknown reference %q", path)}
	}
	v, ok := scope.Lookup(path)
	if !ok {
		return nil, &Error{Expr: expr, Reason: fmt.Sprintf("unknown reference %q", path)}
	}
	return v, nil
}

func toBool(expr string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, &Error{Expr: expr, Reason: fmt.Sprintf("value %q is not a boolean", b)}
		}
		return parsed, nil
	default:
		return false, &Error{Expr: expr, Reason: fmt.Sprintf("value of type %T is not a boolean", v)}
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

// EvaluateBool evaluates expr and requires a boolean result.
func EvaluateBool(ev Evaluator, expr string, scope Scope) (bool, error) {
	v, err := ev.Evaluate(expr, scope)
	if err != nil {
		return false, wrap(expr, err)
	}
	return toBool(expr, v)
}

// wrap makes sure a custom evaluator's error still matches ErrEvaluation.
func wrap(expr string, err error) error {
	if errors.Is(err, ErrEvaluation) {
		return err
	}
	return &Error{Expr: expr, Reason: err.Error()}
}

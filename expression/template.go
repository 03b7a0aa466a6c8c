// ABOUTME: Parameter template resolution: replaces <+path> references inside opaque JSON parameters.
// ABOUTME: A string that is exactly one reference takes the referenced value's type.
package expression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Render resolves every <+...> reference in s. When s is a single reference
// the referenced value is returned as-is; otherwise the result is a string.
func Render(ev Evaluator, s string, scope Scope) (any, error) {
	if !strings.Contains(s, "<+") {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if _, ok := referencePath(trimmed); ok {
		v, err := ev.Evaluate(trimmed, scope)
		if err != nil {
			return nil, wrap(s, err)
		}
		return v, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "<+")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			return nil, &Error{Expr: s, Reason: "unterminated reference"}
		}
		end += start
		b.WriteString(rest[:start])
		v, err := ev.Evaluate(rest[start:end+1], scope)
		if err != nil {
			return nil, wrap(s, err)
		}
		b.WriteString(stringify(v))
		rest = rest[end+1:]
	}
	return b.String(), nil
}

// ResolveParameters decodes raw JSON parameters, renders every string leaf,
// and re-encodes the result. Empty input is returned unchanged.
func ResolveParameters(ev Evaluator, raw json.RawMessage, scope Scope) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	if !bytes.Contains(raw, []byte("<+")) {
		return append(json.RawMessage(nil), raw...), nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}

	resolved, err := resolveValue(ev, doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode resolved parameters: %w", err)
	}
	return out, nil
}

func resolveValue(ev Evaluator, v any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(ev, t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := resolveValue(ev, child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := resolveValue(ev, child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

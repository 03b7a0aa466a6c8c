// ABOUTME: Map-backed Scope implementation walking nested maps by dotted path.
package expression

import "strings"

// MapScope resolves "a.b.c" by walking nested maps.
type MapScope map[string]any

// Lookup walks the dotted path through nested map[string]any (or map[string]string) values.
func (m MapScope) Lookup(path string) (any, bool) {
	var cur any = map[string]any(m)
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case MapScope:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

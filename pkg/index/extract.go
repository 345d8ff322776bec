// ABOUTME: Value extraction from resource bodies for indexing
// ABOUTME: Walks dotted paths and normalises leaves per parameter type

package index

import (
	"fmt"
	"strings"
)

// walk returns every value reachable from root along path, flattening arrays.
func walk(root any, path string) []any {
	current := []any{root}
	for _, step := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			next = appendFlat(next, obj[step])
		}
		current = next
	}
	return current
}

func appendFlat(out []any, v any) []any {
	switch t := v.(type) {
	case nil:
		return out
	case []any:
		for _, e := range t {
			out = appendFlat(out, e)
		}
		return out
	default:
		return append(out, v)
	}
}

// extract produces the normalised index terms for one parameter.
func extract(body map[string]any, def ParamDef) []string {
	seen := map[string]struct{}{}
	var terms []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		terms = append(terms, s)
	}

	for _, path := range def.Paths {
		for _, leaf := range walk(body, path) {
			switch def.Type {
			case ParamString:
				if s, ok := leaf.(string); ok {
					add(strings.ToLower(s))
				}
			case ParamDate:
				if s, ok := leaf.(string); ok {
					add(s)
				}
			case ParamReference:
				for _, t := range referenceTerms(leaf) {
					add(t)
				}
			case ParamToken:
				for _, t := range tokenTerms(leaf) {
					add(t)
				}
			}
		}
	}
	return terms
}

// referenceTerms indexes "Type/id" and the bare id.
func referenceTerms(leaf any) []string {
	var ref string
	switch t := leaf.(type) {
	case string:
		ref = t
	case map[string]any:
		ref, _ = t["reference"].(string)
	}
	if ref == "" {
		return nil
	}
	terms := []string{ref}
	if i := strings.LastIndex(ref, "/"); i >= 0 && i+1 < len(ref) {
		terms = append(terms, ref[i+1:])
	}
	return terms
}

// tokenTerms handles primitives, Coding, CodeableConcept and Identifier.
func tokenTerms(leaf any) []string {
	switch t := leaf.(type) {
	case string:
		return []string{t}
	case bool:
		return []string{fmt.Sprint(t)}
	case fmt.Stringer:
		return []string{t.String()}
	case map[string]any:
		if codings, ok := t["coding"]; ok {
			var out []string
			for _, c := range appendFlat(nil, codings) {
				out = append(out, tokenTerms(c)...)
			}
			return out
		}
		system, _ := t["system"].(string)
		code, _ := t["code"].(string)
		if code == "" {
			code, _ = t["value"].(string)
		}
		if code == "" {
			return nil
		}
		return []string{code, system + "|" + code}
	default:
		return nil
	}
}

package hubdb

import (
	"reflect"
	"strings"
)

// getPath resolves a dotted key path inside a nested record.
func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a value at a dotted key path, creating intermediate maps.
func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// unsetPath removes the value at a dotted key path if present.
func unsetPath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// applyMutation applies the abstract operator set to a record in place.
func applyMutation(doc map[string]any, mut Mutation) {
	for k, v := range mut.Set {
		setPath(doc, k, v)
	}
	for _, k := range mut.Unset {
		unsetPath(doc, k)
	}
	for k, v := range mut.Push {
		list, _ := getPath(doc, k)
		arr, _ := list.([]any)
		setPath(doc, k, append(arr, v))
	}
	for k, v := range mut.AddToSet {
		list, _ := getPath(doc, k)
		arr, _ := list.([]any)
		found := false
		for _, e := range arr {
			if valueEqual(e, v) {
				found = true
				break
			}
		}
		if !found {
			setPath(doc, k, append(arr, v))
		}
	}
	for k, v := range mut.Pull {
		list, ok := getPath(doc, k)
		if !ok {
			continue
		}
		arr, ok := list.([]any)
		if !ok {
			continue
		}
		kept := arr[:0:0]
		for _, e := range arr {
			if !valueEqual(e, v) {
				kept = append(kept, e)
			}
		}
		setPath(doc, k, kept)
	}
	for k, dir := range mut.Pop {
		list, ok := getPath(doc, k)
		if !ok {
			continue
		}
		arr, ok := list.([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		if dir < 0 {
			setPath(doc, k, arr[1:])
		} else {
			setPath(doc, k, arr[:len(arr)-1])
		}
	}
}

// matchFilter reports whether a record satisfies all filter equalities.
func matchFilter(doc map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := getPath(doc, k)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares values loosely enough to survive a JSON round trip
// (ints decode as float64). Composite values fall back to deep equality,
// a direct == would panic on them.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

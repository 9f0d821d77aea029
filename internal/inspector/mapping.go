package inspector

import (
	"fmt"
	"sort"

	"github.com/bioforge/datahub/internal/foundation"
)

// reconcile rewrites the tree so a key observed both as a scalar and
// inside a list is treated uniformly: the scalar variant is merged under
// the list variant. The rewrite is commutative, so the merge order of
// the input documents does not change the result.
func reconcile(n *Node) {
	if n == nil {
		return
	}
	for _, c := range n.Keys {
		reconcile(c)
	}
	reconcile(n.List)
	if n.List == nil {
		return
	}
	if len(n.Types) > 0 {
		for name, leaf := range n.Types {
			mergeLeaf(n.List.leaf(name), leaf)
		}
		n.Types = nil
	}
	if len(n.Keys) > 0 {
		for key, c := range n.Keys {
			mergeNode(n.List.child(key), c)
		}
		n.Keys = nil
	}
}

func mergeNode(dst, src *Node) {
	if src == nil {
		return
	}
	for name, leaf := range src.Types {
		mergeLeaf(dst.leaf(name), leaf)
	}
	for key, c := range src.Keys {
		mergeNode(dst.child(key), c)
	}
	if src.List != nil {
		mergeNode(dst.listNode(), src.List)
	}
}

func mergeLeaf(dst, src *Leaf) {
	if src.seen {
		if !dst.seen || src.Min < dst.Min {
			dst.Min = src.Min
		}
		if src.Max > dst.Max {
			dst.Max = src.Max
		}
		dst.seen = true
	}
	dst.Count += src.Count
	dst.vals = append(dst.vals, src.vals...)
}

// TypeReport renders the tree as a nested map from key to observed type
// names, lists marked by nesting under "[]".
func (i *Inspector) TypeReport() map[string]any {
	reconcile(i.root)
	return typeReport(i.root)
}

func typeReport(n *Node) map[string]any {
	out := map[string]any{}
	if len(n.Types) > 0 {
		names := make([]string, 0, len(n.Types))
		for name := range n.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		out["_type"] = names
	}
	for _, key := range sortedKeys(n.Keys) {
		out[key] = typeReport(n.Keys[key])
	}
	if n.List != nil {
		out["[]"] = typeReport(n.List)
	}
	return out
}

// StatsReport renders the tree with per-leaf statistics. Deep mode adds
// mean, median and stdev.
func (i *Inspector) StatsReport() map[string]any {
	reconcile(i.root)
	return statsReport(i.root, i.mode == ModeDeepStats)
}

func statsReport(n *Node, deep bool) map[string]any {
	out := map[string]any{}
	for _, name := range sortedLeafNames(n.Types) {
		leaf := n.Types[name]
		stats := map[string]any{"count": leaf.Count}
		if leaf.seen {
			stats["min"] = leaf.Min
			stats["max"] = leaf.Max
		}
		if deep && len(leaf.vals) > 0 {
			stats["mean"] = leaf.Mean()
			stats["median"] = leaf.Median()
			stats["stdev"] = leaf.Stdev()
		}
		out[name] = stats
	}
	for _, key := range sortedKeys(n.Keys) {
		out[key] = statsReport(n.Keys[key], deep)
	}
	if n.List != nil {
		out["[]"] = statsReport(n.List, deep)
	}
	return out
}

// Mapping collapses the tree into a search-index mapping. Precedence:
// splitstr over str, float over int. A top-level _id must have been
// observed as a string; it is checked and then left out of the mapping,
// the index keeps its own id field.
func (i *Inspector) Mapping() (map[string]any, error) {
	reconcile(i.root)
	idNode, ok := i.root.Keys["_id"]
	if !ok {
		return nil, foundation.DataIntegrity("no top-level _id observed, must be a string").
			WithPath("_id").Build()
	}
	if err := checkIDNode(idNode); err != nil {
		return nil, err
	}
	props := map[string]any{}
	for _, key := range sortedKeys(i.root.Keys) {
		if key == "_id" {
			continue
		}
		m, err := mapNode(i.root.Keys[key], key)
		if err != nil {
			return nil, err
		}
		if m != nil {
			props[key] = m
		}
	}
	return map[string]any{"properties": props}, nil
}

func checkIDNode(n *Node) error {
	// a list of ids folds to its element node during reconciliation
	if n.List != nil {
		n = n.List
	}
	for name := range n.Types {
		if name != TypeStr && name != TypeSplitStr && name != TypeNil {
			return foundation.DataIntegrity(fmt.Sprintf("_id observed as %s, must be a string", name)).
				WithPath("_id").Build()
		}
	}
	if len(n.Keys) > 0 {
		return foundation.DataIntegrity("_id observed as an object, must be a string").
			WithPath("_id").Build()
	}
	return nil
}

// mapNode maps one tree node. A list node maps as its element node: the
// index treats arrays implicitly. A node observed both as an object and
// as a scalar cannot be mapped.
func mapNode(n *Node, path string) (map[string]any, error) {
	if n.List != nil {
		// reconciliation guarantees scalars and keys folded under List
		return mapNode(n.List, path)
	}
	scalar := scalarType(n.Types)
	if len(n.Keys) > 0 {
		if scalar != "" {
			return nil, foundation.DataIntegrity(
				fmt.Sprintf("cannot map field observed as both object and %s", scalar)).
				WithPath(path).Build()
		}
		props := map[string]any{}
		for _, key := range sortedKeys(n.Keys) {
			m, err := mapNode(n.Keys[key], joinPath(path, key))
			if err != nil {
				return nil, err
			}
			if m != nil {
				props[key] = m
			}
		}
		if len(props) == 0 {
			return nil, nil
		}
		return map[string]any{"properties": props}, nil
	}
	if scalar == "" {
		return nil, nil // only nils observed
	}
	return map[string]any{"type": indexType(scalar)}, nil
}

// scalarType picks the dominant scalar type of a leaf set.
func scalarType(types map[string]*Leaf) string {
	has := func(name string) bool { _, ok := types[name]; return ok }
	switch {
	case has(TypeSplitStr):
		return TypeSplitStr
	case has(TypeStr):
		return TypeStr
	case has(TypeFloat):
		return TypeFloat
	case has(TypeInt):
		return TypeInt
	case has(TypeBool):
		return TypeBool
	}
	return ""
}

func indexType(scalar string) string {
	switch scalar {
	case TypeSplitStr:
		return "text"
	case TypeStr:
		return "keyword"
	case TypeFloat:
		return "float"
	case TypeInt:
		return "integer"
	case TypeBool:
		return "boolean"
	}
	return "keyword"
}

func sortedKeys(m map[string]*Node) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sortedLeafNames(m map[string]*Leaf) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

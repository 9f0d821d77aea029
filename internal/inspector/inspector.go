// Package inspector infers the structure of a document set. It walks
// documents into a type tree, optionally recording per-leaf statistics,
// and can collapse the tree into a search-index mapping.
package inspector

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

// Mode selects what the inspection records.
type Mode string

const (
	ModeType      Mode = "type"
	ModeStats     Mode = "stats"
	ModeDeepStats Mode = "deepstats"
	ModeMapping   Mode = "mapping"
)

// Scalar type names as recorded in the tree.
const (
	TypeStr      = "str"
	TypeSplitStr = "splitstr" // string containing whitespace, full-text indexable
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeBool     = "bool"
	TypeNil      = "nil"
)

// Leaf accumulates the observations of one scalar type at one tree node.
type Leaf struct {
	Count int       `json:"count"`
	Min   float64   `json:"min,omitempty"`
	Max   float64   `json:"max,omitempty"`
	seen  bool      // min/max initialized
	vals  []float64 // deep mode only
}

func (l *Leaf) observe(v float64, deep bool) {
	l.Count++
	if !l.seen || v < l.Min {
		l.Min = v
		l.seen = true
	}
	if v > l.Max {
		l.Max = v
	}
	if deep {
		l.vals = append(l.vals, v)
	}
}

// Mean returns the arithmetic mean of the recorded values (deep mode).
func (l *Leaf) Mean() float64 {
	if len(l.vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range l.vals {
		sum += v
	}
	return sum / float64(len(l.vals))
}

// Stdev returns the population standard deviation (deep mode).
func (l *Leaf) Stdev() float64 {
	if len(l.vals) == 0 {
		return 0
	}
	mean := l.Mean()
	var sq float64
	for _, v := range l.vals {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(l.vals)))
}

// Median returns the median of the recorded values (deep mode).
func (l *Leaf) Median() float64 {
	if len(l.vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), l.vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Node is one position in the type tree. A node can simultaneously carry
// scalar observations, object children, and a list element node when the
// underlying key varies across documents.
type Node struct {
	Types map[string]*Leaf `json:"types,omitempty"`
	Keys  map[string]*Node `json:"keys,omitempty"`
	List  *Node            `json:"list,omitempty"`
}

func newNode() *Node { return &Node{} }

func (n *Node) leaf(typeName string) *Leaf {
	if n.Types == nil {
		n.Types = map[string]*Leaf{}
	}
	l, ok := n.Types[typeName]
	if !ok {
		l = &Leaf{}
		n.Types[typeName] = l
	}
	return l
}

func (n *Node) child(key string) *Node {
	if n.Keys == nil {
		n.Keys = map[string]*Node{}
	}
	c, ok := n.Keys[key]
	if !ok {
		c = newNode()
		n.Keys[key] = c
	}
	return c
}

func (n *Node) listNode() *Node {
	if n.List == nil {
		n.List = newNode()
	}
	return n.List
}

// Inspector accumulates documents into a type tree.
type Inspector struct {
	mode Mode
	root *Node
	n    int
}

// New creates an inspector for the given mode.
func New(mode Mode) *Inspector {
	return &Inspector{mode: mode, root: newNode()}
}

// Root exposes the accumulated tree.
func (i *Inspector) Root() *Node { return i.root }

// Inspected returns the number of documents walked so far.
func (i *Inspector) Inspected() int { return i.n }

// Inspect walks one document into the tree. A NaN or infinite number
// anywhere in the document is rejected with the offending path.
func (i *Inspector) Inspect(doc docstore.Doc) error {
	if err := i.walk(i.root, map[string]any(doc), ""); err != nil {
		return err
	}
	i.n++
	return nil
}

func (i *Inspector) walk(node *Node, value any, path string) error {
	switch v := value.(type) {
	case map[string]any:
		for key, sub := range v {
			if err := i.walk(node.child(key), sub, joinPath(path, key)); err != nil {
				return err
			}
		}
	case []any:
		ln := node.listNode()
		for idx, elem := range v {
			if err := i.walk(ln, elem, fmt.Sprintf("%s[%d]", path, idx)); err != nil {
				return err
			}
		}
	default:
		return i.scalar(node, v, path)
	}
	return nil
}

func (i *Inspector) scalar(node *Node, value any, path string) error {
	deep := i.mode == ModeDeepStats
	switch v := value.(type) {
	case nil:
		node.leaf(TypeNil).Count++
	case bool:
		node.leaf(TypeBool).Count++
	case string:
		name := TypeStr
		if strings.IndexFunc(v, unicode.IsSpace) >= 0 {
			name = TypeSplitStr
		}
		node.leaf(name).observe(float64(len(v)), deep)
	case int:
		node.leaf(TypeInt).observe(float64(v), deep)
	case int32:
		node.leaf(TypeInt).observe(float64(v), deep)
	case int64:
		node.leaf(TypeInt).observe(float64(v), deep)
	case float32:
		return i.number(node, float64(v), path, deep)
	case float64:
		return i.number(node, v, path, deep)
	default:
		return foundation.DataIntegrity(fmt.Sprintf("unsupported value type %T", value)).
			WithPath(path).Build()
	}
	return nil
}

// number classifies a float, keeping integral values as int so mappings
// do not widen on JSON-decoded whole numbers.
func (i *Inspector) number(node *Node, v float64, path string, deep bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return foundation.DataIntegrity("number is NaN or infinite").WithPath(path).Build()
	}
	name := TypeFloat
	if v == math.Trunc(v) {
		name = TypeInt
	}
	node.leaf(name).observe(v, deep)
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

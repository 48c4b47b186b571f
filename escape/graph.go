package escape

import "fmt"

// NodeKind is the kind of a connection graph node.
type NodeKind int

const (
	// KindObject is an object allocated or obtained by the method.
	KindObject NodeKind = iota
	// KindReference is a local variable, a merged stack value or the
	// result of a field load.
	KindReference
	// KindField is a field of an object node.
	KindField
	// KindGlobal is the sink for values stored in static fields.
	KindGlobal
	// KindStack is memory owned by a scope frame, or the scope itself.
	KindStack
	// KindPhantom stands for an object the method did not create, such as
	// the target of a parameter.
	KindPhantom
)

func (k NodeKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindReference:
		return "reference"
	case KindField:
		return "field"
	case KindGlobal:
		return "global"
	case KindStack:
		return "stack"
	case KindPhantom:
		return "phantom"
	}
	return "unknown"
}

// State is the escape state of a node. States are ordered; a node's state
// only ever grows.
type State int

const (
	NoEscape State = iota
	ArgEscape
	GlobalEscape
)

func (s State) String() string {
	switch s {
	case ArgEscape:
		return "arg-escape"
	case GlobalEscape:
		return "global-escape"
	}
	return "no-escape"
}

// EdgeKind is the kind of a connection graph edge.
type EdgeKind int

const (
	// PointsTo connects a reference to an object.
	PointsTo EdgeKind = iota
	// Deferred connects a reference to another node whose targets it
	// shares.
	Deferred
	// FieldOf connects an object to one of its field nodes.
	FieldOf
)

func (k EdgeKind) String() string {
	switch k {
	case Deferred:
		return "deferred"
	case FieldOf:
		return "field"
	}
	return "points-to"
}

// Edge is a directed connection graph edge. Owner and Name identify the
// field of FieldOf edges; array elements use the name "[]".
type Edge struct {
	Kind  EdgeKind
	From  *Node
	To    *Node
	Owner string
	Name  string
}

// Node is a connection graph node. Site is the node index of the
// instruction that created it, or -1.
type Node struct {
	ID    int
	Kind  NodeKind
	State State
	Site  int
	out   []*Edge
}

func (n *Node) String() string {
	if n.Site >= 0 {
		return fmt.Sprintf("%s#%d@%d(%s)", n.Kind, n.ID, n.Site, n.State)
	}
	return fmt.Sprintf("%s#%d(%s)", n.Kind, n.ID, n.State)
}

// Edges returns the outgoing edges of the node.
func (n *Node) Edges() []*Edge {
	return n.out
}

// isObject reports whether the node stands for a heap location rather
// than a pointer to one.
func (n *Node) isObject() bool {
	switch n.Kind {
	case KindObject, KindStack, KindPhantom, KindGlobal:
		return true
	}
	return false
}

// Graph is the connection graph of one method.
type Graph struct {
	nodes []*Node
	edges int

	// Global receives every value stored in a static field.
	Global *Node
	// Return receives every returned value.
	Return *Node
	// Unescapable stands for every primitive and constant. It never
	// carries edges and never escapes.
	Unescapable *Node
	// Scope is the scope handle obtained by the method.
	Scope *Node
}

// NewGraph returns a graph holding only the sentinel nodes.
func NewGraph() *Graph {
	g := &Graph{}
	g.Global = g.NewNode(KindGlobal, -1)
	g.Global.State = GlobalEscape
	g.Return = g.NewNode(KindReference, -1)
	g.Return.State = ArgEscape
	g.Unescapable = g.NewNode(KindObject, -1)
	g.Scope = g.NewNode(KindStack, -1)
	return g
}

// NewNode adds a node to the graph.
func (g *Graph) NewNode(kind NodeKind, site int) *Node {
	n := &Node{ID: len(g.nodes), Kind: kind, Site: site}
	g.nodes = append(g.nodes, n)
	return n
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// NodeAt returns the node with the given ID.
func (g *Graph) NodeAt(id int) *Node {
	return g.nodes[id]
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	return g.edges
}

func (g *Graph) addEdge(e *Edge) {
	if e.From == g.Unescapable || e.To == g.Unescapable {
		return
	}
	for _, o := range e.From.out {
		if o.Kind == e.Kind && o.To == e.To && o.Owner == e.Owner && o.Name == e.Name {
			return
		}
	}
	e.From.out = append(e.From.out, e)
	g.edges++
}

// AddDeferred adds a deferred edge from -> to.
func (g *Graph) AddDeferred(from, to *Node) {
	g.addEdge(&Edge{Kind: Deferred, From: from, To: to})
}

// AddPointsTo adds a points-to edge from -> to.
func (g *Graph) AddPointsTo(from, to *Node) {
	g.addEdge(&Edge{Kind: PointsTo, From: from, To: to})
}

// Field returns the field node of obj for the given field, creating it
// on first use.
func (g *Graph) Field(obj *Node, owner, name string) *Node {
	for _, e := range obj.out {
		if e.Kind == FieldOf && e.Owner == owner && e.Name == name {
			return e.To
		}
	}
	f := g.NewNode(KindField, -1)
	g.addEdge(&Edge{Kind: FieldOf, From: obj, To: f, Owner: owner, Name: name})
	return f
}

// PointsTo returns the objects a node may refer to, following deferred
// edges. A reference that reaches no object gets a phantom target so
// that field stores through it are not lost.
func (g *Graph) PointsTo(n *Node) []*Node {
	if n == g.Unescapable {
		return nil
	}
	if n.isObject() {
		return []*Node{n}
	}
	var objs []*Node
	seen := map[*Node]bool{}
	var terminal []*Node
	var walk func(*Node)
	walk = func(r *Node) {
		if seen[r] {
			return
		}
		seen[r] = true
		if r.isObject() {
			objs = append(objs, r)
			return
		}
		deferred := false
		for _, e := range r.out {
			switch e.Kind {
			case PointsTo:
				if !seen[e.To] {
					seen[e.To] = true
					objs = append(objs, e.To)
				}
			case Deferred:
				deferred = true
				walk(e.To)
			}
		}
		if !deferred {
			terminal = append(terminal, r)
		}
	}
	walk(n)
	if len(objs) == 0 {
		for _, r := range terminal {
			p := g.NewNode(KindPhantom, -1)
			g.AddPointsTo(r, p)
			objs = append(objs, p)
		}
	}
	return objs
}

// MarkEscape raises the escape state of a node.
func (g *Graph) MarkEscape(n *Node, s State) {
	if n != g.Unescapable && n.State < s {
		n.State = s
	}
}

// Reachable returns every node reachable from the roots over any edge,
// the roots included.
func (g *Graph) Reachable(roots ...*Node) map[*Node]bool {
	seen := map[*Node]bool{}
	work := append([]*Node(nil), roots...)
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, e := range n.out {
			if !seen[e.To] {
				work = append(work, e.To)
			}
		}
	}
	return seen
}

// Propagate pushes escape states along all edges until every node is at
// least as escaped as each node that reaches it.
func (g *Graph) Propagate() {
	for _, s := range []State{GlobalEscape, ArgEscape} {
		var roots []*Node
		for _, n := range g.nodes {
			if n.State == s {
				roots = append(roots, n)
			}
		}
		for n := range g.Reachable(roots...) {
			g.MarkEscape(n, s)
		}
	}
}

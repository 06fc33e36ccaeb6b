package graph

import (
	"sort"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

// Edge is a directed edge with the vector that identifies its target.
type Edge struct {
	To  *loop.State
	Vec Vector
}

// Graph is an immutable adjacency structure over states. Outgoing edges are
// kept in lexicographic order of the target name, which is also the order
// used to break ties during traversal.
type Graph struct {
	states  []*loop.State // sorted by name
	byName  map[string]*loop.State
	decl    []*loop.State // declaration order
	out     map[*loop.State][]Edge
	dim     int
	initial *loop.State
}

func (g *Graph) Dim() int { return g.dim }

// Initial is the state traversal starts from.
func (g *Graph) Initial() *loop.State { return g.initial }

// States returns all states sorted by name.
func (g *Graph) States() []*loop.State {
	return append([]*loop.State(nil), g.states...)
}

// Declared returns all states in the order they were added to the builder.
func (g *Graph) Declared() []*loop.State {
	return append([]*loop.State(nil), g.decl...)
}

func (g *Graph) State(name string) (*loop.State, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// Out returns the outgoing edges of s in tie-break order.
func (g *Graph) Out(s *loop.State) []Edge {
	return append([]Edge(nil), g.out[s]...)
}

// TargetVector returns the vector carried by edges into the named state,
// which is the stimulus that favours it.
func (g *Graph) TargetVector(name string) (Vector, bool) {
	for _, from := range g.states {
		for _, e := range g.out[from] {
			if e.To.Name() == name {
				return e.Vec.Clone(), true
			}
		}
	}
	return nil, false
}

type edgeDecl struct {
	from, to string
	vec      Vector
}

// Builder collects states and edges and validates them in Build.
type Builder struct {
	decl   []*loop.State
	byName map[string]*loop.State
	edges  []edgeDecl
	err    error
}

func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]*loop.State)}
}

func (b *Builder) AddState(s *loop.State) *Builder {
	if b.err != nil {
		return b
	}
	if s == nil {
		b.err = loop.Configf("", "nil state")
		return b
	}
	if _, dup := b.byName[s.Name()]; dup {
		b.err = loop.Configf(s.Name(), "duplicate state")
		return b
	}
	b.byName[s.Name()] = s
	b.decl = append(b.decl, s)
	return b
}

func (b *Builder) AddEdge(from, to string, vec Vector) *Builder {
	if b.err != nil {
		return b
	}
	b.edges = append(b.edges, edgeDecl{from: from, to: to, vec: vec.Clone()})
	return b
}

// FullyConnected adds an edge between every ordered pair of the states added
// so far, self-edges included. Each edge carries the one-hot vector of its
// target over the declaration order.
func (b *Builder) FullyConnected() *Builder {
	n := len(b.decl)
	for _, from := range b.decl {
		for i, to := range b.decl {
			b.AddEdge(from.Name(), to.Name(), OneHot(n, i))
		}
	}
	return b
}

// Build validates the declarations. All edge vectors must share one
// dimension and reference known states; duplicate edges are rejected. Every
// state other than initial must have an incoming edge.
func (b *Builder) Build(initial string) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.decl) == 0 {
		return nil, loop.Configf("", "graph has no states")
	}
	g := &Graph{
		byName: make(map[string]*loop.State, len(b.decl)),
		decl:   append([]*loop.State(nil), b.decl...),
		out:    make(map[*loop.State][]Edge, len(b.decl)),
		dim:    -1,
	}
	for _, s := range b.decl {
		g.byName[s.Name()] = s
		g.states = append(g.states, s)
	}
	sort.Slice(g.states, func(i, j int) bool { return g.states[i].Name() < g.states[j].Name() })

	var ok bool
	seen := make(map[[2]string]bool, len(b.edges))
	for _, e := range b.edges {
		var from, to *loop.State
		if from, ok = g.byName[e.from]; !ok {
			return nil, loop.Configf(e.from, "edge from unknown state")
		}
		if to, ok = g.byName[e.to]; !ok {
			return nil, loop.Configf(e.to, "edge to unknown state")
		}
		key := [2]string{e.from, e.to}
		if seen[key] {
			return nil, loop.Configf(e.from, "duplicate edge to %q", e.to)
		}
		seen[key] = true
		if len(e.vec) == 0 {
			return nil, loop.Configf(e.from, "edge to %q has an empty vector", e.to)
		}
		if g.dim < 0 {
			g.dim = len(e.vec)
		} else if len(e.vec) != g.dim {
			return nil, loop.Configf(e.from, "edge to %q has dimension %d, want %d", e.to, len(e.vec), g.dim)
		}
		g.out[from] = append(g.out[from], Edge{To: to, Vec: e.vec})
	}
	if g.dim < 0 {
		g.dim = len(b.decl)
	}
	if g.initial, ok = g.byName[initial]; !ok {
		return nil, loop.Configf(initial, "unknown initial state")
	}
	reached := map[*loop.State]bool{g.initial: true}
	for _, edges := range g.out {
		for _, e := range edges {
			reached[e.To] = true
		}
	}
	for _, s := range g.decl {
		if !reached[s] {
			return nil, loop.Configf(s.Name(), "state is unreachable")
		}
	}
	for s := range g.out {
		edges := g.out[s]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].To.Name() < edges[j].To.Name() })
	}
	return g, nil
}

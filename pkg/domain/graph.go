package domain

import (
	"sort"
	"time"

	"github.com/archlinux/buildbtw/pkg/utils"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
)

// BuildNode is one scheduled package build: a pkgbase pinned to a
// commit, for one architecture.
type BuildNode struct {
	Pkgbase      Pkgbase         `json:"pkgbase"`
	Commit       CommitHash      `json:"commit"`
	Branch       BranchName      `json:"branch"`
	Architecture Architecture    `json:"architecture"`
	Status       BuildStatus     `json:"status"`
	Metadata     PackageMetadata `json:"metadata"`

	// handle of the executor working on this node: a worker name or a
	// forge pipeline reference. Empty until assigned.
	ExecutorRef string `json:"executor_ref,omitempty"`

	// artifact file names uploaded for this node.
	PackageFiles []string `json:"package_files,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Edge From → To: To depends on From, and becomes ready only
// once From is built.
type Edge struct {
	From Pkgbase `json:"from"`
	To   Pkgbase `json:"to"`
}

func (e Edge) less(other Edge) bool {
	if e.From != other.From {
		return e.From < other.From
	}
	return e.To < other.To
}

// BuildGraph is the per-iteration, per-architecture DAG of build nodes.
//
// Edges are kept sorted and unique so that two graphs planned from
// identical inputs serialize identically.
type BuildGraph struct {
	Architecture Architecture           `json:"architecture"`
	Nodes        map[Pkgbase]*BuildNode `json:"nodes"`
	Edges        []Edge                 `json:"edges"`

	// edges removed by the planner's cycle breaking, kept for audit.
	DroppedEdges []Edge `json:"dropped_edges,omitempty"`
}

func NewBuildGraph(arch Architecture) *BuildGraph {
	return &BuildGraph{
		Architecture: arch,
		Nodes:        map[Pkgbase]*BuildNode{},
		Edges:        []Edge{},
	}
}

func (g *BuildGraph) AddNode(node *BuildNode) {
	g.Nodes[node.Pkgbase] = node
}

// AddEdge inserts from → to, keeping Edges sorted and unique.
// Self-edges are ignored: split packages depending on their sibling
// packages do not order the build.
func (g *BuildGraph) AddEdge(from, to Pkgbase) {
	if from == to {
		return
	}
	e := Edge{From: from, To: to}
	at := sort.Search(len(g.Edges), func(i int) bool { return !g.Edges[i].less(e) })
	if at < len(g.Edges) && g.Edges[at] == e {
		return
	}
	g.Edges = append(g.Edges, Edge{})
	copy(g.Edges[at+1:], g.Edges[at:])
	g.Edges[at] = e
}

// RemoveEdge drops from → to and records it in the audit log.
func (g *BuildGraph) RemoveEdge(from, to Pkgbase) {
	e := Edge{From: from, To: to}
	for i, have := range g.Edges {
		if have == e {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			g.DroppedEdges = append(g.DroppedEdges, e)
			return
		}
	}
}

// Dependents returns the direct dependents of p, sorted.
func (g *BuildGraph) Dependents(p Pkgbase) []Pkgbase {
	deps := []Pkgbase{}
	for _, e := range g.Edges {
		if e.From == p {
			deps = append(deps, e.To)
		}
	}
	return deps
}

// DependsOn returns the direct dependencies of p, sorted.
func (g *BuildGraph) DependsOn(p Pkgbase) []Pkgbase {
	deps := []Pkgbase{}
	for _, e := range g.Edges {
		if e.To == p {
			deps = append(deps, e.From)
		}
	}
	return utils.Sorted(deps, func(a, b Pkgbase) bool { return a < b })
}

func (g *BuildGraph) InDegree(p Pkgbase) int {
	n := 0
	for _, e := range g.Edges {
		if e.To == p {
			n++
		}
	}
	return n
}

// PkgbasesSorted returns every node's pkgbase in lexicographic order.
func (g *BuildGraph) PkgbasesSorted() []Pkgbase {
	return utils.Sorted(
		utils.KeysOf(g.Nodes),
		func(a, b Pkgbase) bool { return a < b },
	)
}

// TopologicalOrder returns the nodes in build order. Among candidates
// with all dependencies ordered, the lexicographically smallest pkgbase
// comes first, making the order deterministic.
//
// Returns (nil, false) if the graph has a cycle.
func (g *BuildGraph) TopologicalOrder() ([]Pkgbase, bool) {
	indeg := map[Pkgbase]int{}
	for p := range g.Nodes {
		indeg[p] = 0
	}
	for _, e := range g.Edges {
		indeg[e.To]++
	}

	frontier := []Pkgbase{}
	for _, p := range g.PkgbasesSorted() {
		if indeg[p] == 0 {
			frontier = append(frontier, p)
		}
	}

	order := make([]Pkgbase, 0, len(g.Nodes))
	for len(frontier) > 0 {
		p := frontier[0]
		frontier = frontier[1:]
		order = append(order, p)

		unblocked := []Pkgbase{}
		for _, dep := range g.Dependents(p) {
			indeg[dep]--
			if indeg[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		frontier = append(frontier, unblocked...)
		frontier = utils.Sorted(frontier, func(a, b Pkgbase) bool { return a < b })
	}

	if len(order) != len(g.Nodes) {
		return nil, false
	}
	return order, true
}

func (g *BuildGraph) Acyclic() bool {
	_, ok := g.TopologicalOrder()
	return ok
}

// DescendantCount returns how many distinct nodes transitively depend
// on p. Used as assignment priority: building wide subtrees first
// unblocks the most work.
func (g *BuildGraph) DescendantCount(p Pkgbase) int {
	seen := map[Pkgbase]bool{}
	stack := g.Dependents(p)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.Dependents(next)...)
	}
	return len(seen)
}

// DependencyStatuses returns the statuses of p's direct dependencies.
func (g *BuildGraph) DependencyStatuses(p Pkgbase) []BuildStatus {
	return utils.Map(g.DependsOn(p), func(dep Pkgbase) BuildStatus {
		return g.Nodes[dep].Status
	})
}

func (g *BuildGraph) Clone() *BuildGraph {
	nodes := make(map[Pkgbase]*BuildNode, len(g.Nodes))
	for p, n := range g.Nodes {
		copied := *n
		copied.PackageFiles = append([]string(nil), n.PackageFiles...)
		nodes[p] = &copied
	}
	return &BuildGraph{
		Architecture: g.Architecture,
		Nodes:        nodes,
		Edges:        append([]Edge(nil), g.Edges...),
		DroppedEdges: append([]Edge(nil), g.DroppedEdges...),
	}
}

// Equal compares structure and pinned commits, node statuses included.
func (g *BuildGraph) Equal(other *BuildGraph) bool {
	if g.Architecture != other.Architecture {
		return false
	}
	if !cmp.SliceEq(g.Edges, other.Edges) ||
		!cmp.SliceEq(g.DroppedEdges, other.DroppedEdges) {
		return false
	}
	return cmp.MapEqWith(g.Nodes, other.Nodes, func(a, b *BuildNode) bool {
		return a.Pkgbase == b.Pkgbase &&
			a.Commit == b.Commit &&
			a.Branch == b.Branch &&
			a.Status == b.Status
	})
}

// DiffNode identifies a node by what would force a rebuild:
// its pkgbase and pinned commit.
type DiffNode struct {
	Pkgbase Pkgbase    `json:"pkgbase"`
	Commit  CommitHash `json:"commit"`
}

// GraphDiff reports the structural difference between two build graphs.
// Statuses are ignored: a status change alone never warrants a new
// iteration.
type GraphDiff struct {
	NodesAdded   []DiffNode `json:"nodes_added,omitempty"`
	NodesRemoved []DiffNode `json:"nodes_removed,omitempty"`
	EdgesAdded   []Edge     `json:"edges_added,omitempty"`
	EdgesRemoved []Edge     `json:"edges_removed,omitempty"`
}

func (d GraphDiff) Empty() bool {
	return len(d.NodesAdded) == 0 && len(d.NodesRemoved) == 0 &&
		len(d.EdgesAdded) == 0 && len(d.EdgesRemoved) == 0
}

func DiffGraphs(old, new *BuildGraph) GraphDiff {
	oldNodes := map[DiffNode]bool{}
	for _, n := range old.Nodes {
		oldNodes[DiffNode{Pkgbase: n.Pkgbase, Commit: n.Commit}] = true
	}
	newNodes := map[DiffNode]bool{}
	for _, n := range new.Nodes {
		newNodes[DiffNode{Pkgbase: n.Pkgbase, Commit: n.Commit}] = true
	}

	diff := GraphDiff{}
	for n := range newNodes {
		if !oldNodes[n] {
			diff.NodesAdded = append(diff.NodesAdded, n)
		}
	}
	for n := range oldNodes {
		if !newNodes[n] {
			diff.NodesRemoved = append(diff.NodesRemoved, n)
		}
	}

	oldEdges := map[Edge]bool{}
	for _, e := range old.Edges {
		oldEdges[e] = true
	}
	for _, e := range new.Edges {
		if !oldEdges[e] {
			diff.EdgesAdded = append(diff.EdgesAdded, e)
		}
	}
	newEdges := map[Edge]bool{}
	for _, e := range new.Edges {
		newEdges[e] = true
	}
	for _, e := range old.Edges {
		if !newEdges[e] {
			diff.EdgesRemoved = append(diff.EdgesRemoved, e)
		}
	}

	sortDiffNodes := func(ns []DiffNode) []DiffNode {
		return utils.Sorted(ns, func(a, b DiffNode) bool {
			if a.Pkgbase != b.Pkgbase {
				return a.Pkgbase < b.Pkgbase
			}
			return a.Commit < b.Commit
		})
	}
	diff.NodesAdded = sortDiffNodes(diff.NodesAdded)
	diff.NodesRemoved = sortDiffNodes(diff.NodesRemoved)
	diff.EdgesAdded = utils.Sorted(diff.EdgesAdded, Edge.less)
	diff.EdgesRemoved = utils.Sorted(diff.EdgesRemoved, Edge.less)
	return diff
}

// IterationDiff is the per-architecture difference between the build
// graphs of two iterations.
type IterationDiff struct {
	NewArchitectures     []Architecture             `json:"new_architectures,omitempty"`
	RemovedArchitectures []Architecture             `json:"removed_architectures,omitempty"`
	Changed              map[Architecture]GraphDiff `json:"changed,omitempty"`
}

func (d IterationDiff) Empty() bool {
	if len(d.NewArchitectures) != 0 || len(d.RemovedArchitectures) != 0 {
		return false
	}
	for _, diff := range d.Changed {
		if !diff.Empty() {
			return false
		}
	}
	return true
}

// ChangedPkgbases lists every pkgbase added or re-pinned, sorted.
func (d IterationDiff) ChangedPkgbases() []Pkgbase {
	seen := map[Pkgbase]bool{}
	for _, diff := range d.Changed {
		for _, n := range diff.NodesAdded {
			seen[n.Pkgbase] = true
		}
	}
	return utils.Sorted(
		utils.KeysOf(seen),
		func(a, b Pkgbase) bool { return a < b },
	)
}

func DiffIterations(old, new map[Architecture]*BuildGraph) IterationDiff {
	diff := IterationDiff{Changed: map[Architecture]GraphDiff{}}

	for arch := range old {
		if _, ok := new[arch]; !ok {
			diff.RemovedArchitectures = append(diff.RemovedArchitectures, arch)
		}
	}
	diff.RemovedArchitectures = utils.Sorted(
		diff.RemovedArchitectures,
		func(a, b Architecture) bool { return a < b },
	)

	for _, arch := range utils.Sorted(
		utils.KeysOf(new),
		func(a, b Architecture) bool { return a < b },
	) {
		if oldGraph, ok := old[arch]; ok {
			diff.Changed[arch] = DiffGraphs(oldGraph, new[arch])
		} else {
			diff.NewArchitectures = append(diff.NewArchitectures, arch)
		}
	}
	return diff
}

package planner

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/utils"
)

// Planner derives per-architecture build graphs from an origin
// changeset and a branch-resolved global dependency graph.
//
// Plan is pure given its inputs: identical origins, graph snapshot and
// prior iteration produce identical plans, dropped-edge log included.
type Planner struct {
	Source depgraph.Source
	Logger *log.Logger
}

// Plan is the immutable part of a new iteration.
type Plan struct {
	Origins []domain.PinnedChangeset
	Graphs  map[domain.Architecture]*domain.BuildGraph
}

// Plan computes the nodes to build for every concrete architecture:
// the origin packages and every package transitively depending on them
// for that architecture.
//
// prior may be nil. When given, nodes it already built at the same
// pinned commit start Built and their artifacts carry over.
func (pl *Planner) Plan(
	ctx context.Context,
	origins []domain.OriginChangeset,
	graph *depgraph.Graph,
	prior *domain.Iteration,
) (Plan, error) {
	pinned, err := pl.pinOrigins(origins, graph)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Origins: pinned,
		Graphs:  map[domain.Architecture]*domain.BuildGraph{},
	}
	for _, arch := range domain.ConcreteArchitectures() {
		g, err := pl.planArchitecture(ctx, origins, graph, arch)
		if err != nil {
			return Plan{}, err
		}
		if len(g.Nodes) == 0 {
			continue
		}
		if prior != nil {
			reuseArtifacts(g, prior.BuildGraphs[arch])
		}
		markInitialStatuses(g)
		plan.Graphs[arch] = g
	}
	return plan, nil
}

func (pl *Planner) pinOrigins(origins []domain.OriginChangeset, graph *depgraph.Graph) ([]domain.PinnedChangeset, error) {
	return utils.MapUntilError(origins, func(o domain.OriginChangeset) (domain.PinnedChangeset, error) {
		v, ok := graph.Vertex(o.Pkgbase)
		if !ok {
			return domain.PinnedChangeset{}, fmt.Errorf("%w: %s", domain.ErrOriginUnknown, o.Pkgbase)
		}
		if v.Err != nil {
			// branch or metadata failures on an origin fail the plan.
			return domain.PinnedChangeset{}, v.Err
		}
		return domain.PinnedChangeset{
			Pkgbase: o.Pkgbase,
			Branch:  o.Branch,
			Commit:  v.Commit,
		}, nil
	})
}

func (pl *Planner) planArchitecture(
	ctx context.Context,
	origins []domain.OriginChangeset,
	graph *depgraph.Graph,
	arch domain.Architecture,
) (*domain.BuildGraph, error) {
	isOrigin := map[domain.Pkgbase]bool{}
	for _, o := range origins {
		isOrigin[o.Pkgbase] = true
	}

	// affected = origins declaring this architecture, plus everything
	// transitively depending on them for it.
	affected := map[domain.Pkgbase]bool{}
	for _, o := range origins {
		v, _ := graph.Vertex(o.Pkgbase)
		if !v.Meta.SupportsArchitecture(arch) {
			continue
		}
		affected[o.Pkgbase] = true
		for _, dep := range graph.Dependents(o.Pkgbase, arch) {
			affected[dep] = true
		}
	}

	g := domain.NewBuildGraph(arch)
	for _, pkgbase := range utils.Sorted(
		utils.KeysOf(affected),
		func(a, b domain.Pkgbase) bool { return a < b },
	) {
		v, _ := graph.Vertex(pkgbase)

		node := &domain.BuildNode{
			Pkgbase:      pkgbase,
			Commit:       v.Commit,
			Branch:       v.Branch,
			Architecture: arch,
			Status:       domain.StatusPending,
		}

		// re-read metadata at the pinned commit: the graph may hold a
		// memoized view from before the pin.
		meta, err := pl.Source.ReadPackageMetadata(ctx, pkgbase, v.Commit)
		switch {
		case err == nil:
			node.Metadata = meta
		case errors.Is(err, domain.ErrMetadataInvalid) && !isOrigin[pkgbase]:
			pl.Logger.Printf("%s@%s: %v (node blocked)", pkgbase, v.Commit, err)
			node.Status = domain.StatusBlocked
		default:
			return nil, err
		}

		g.AddNode(node)
	}

	for pkgbase := range g.Nodes {
		for _, dep := range graph.DirectDependents(pkgbase, arch) {
			if _, ok := g.Nodes[dep]; ok {
				g.AddEdge(pkgbase, dep)
			}
		}
	}

	if err := breakCycles(g); err != nil {
		return nil, err
	}
	return g, nil
}

// breakCycles removes edges until the graph is acyclic. Per cycle, the
// dropped edge is the one whose source has the largest in-degree; ties
// go to the lexicographically smallest (from, to) pair. Dropped edges
// stay in the graph's audit log.
func breakCycles(g *domain.BuildGraph) error {
	for guard := len(g.Edges); ; guard-- {
		if g.Acyclic() {
			return nil
		}
		if guard <= 0 {
			return domain.ErrCycleUnbreakable
		}

		cycle := findCycle(g)
		if len(cycle) == 0 {
			return domain.ErrCycleUnbreakable
		}

		drop := cycle[0]
		for _, e := range cycle[1:] {
			di, dj := g.InDegree(e.From), g.InDegree(drop.From)
			if di > dj {
				drop = e
				continue
			}
			if di == dj &&
				(e.From < drop.From || (e.From == drop.From && e.To < drop.To)) {
				drop = e
			}
		}
		g.RemoveEdge(drop.From, drop.To)
	}
}

// findCycle returns the edges of one cycle, deterministically.
func findCycle(g *domain.BuildGraph) []domain.Edge {
	const (
		white = iota
		gray
		black
	)
	color := map[domain.Pkgbase]int{}
	parent := map[domain.Pkgbase]domain.Pkgbase{}

	var cycle []domain.Edge
	var visit func(p domain.Pkgbase) bool
	visit = func(p domain.Pkgbase) bool {
		color[p] = gray
		for _, next := range g.Dependents(p) {
			switch color[next] {
			case white:
				parent[next] = p
				if visit(next) {
					return true
				}
			case gray:
				// walk parents back from p to next to collect the loop
				cycle = []domain.Edge{{From: p, To: next}}
				for at := p; at != next; at = parent[at] {
					cycle = append(cycle, domain.Edge{From: parent[at], To: at})
				}
				return true
			}
		}
		color[p] = black
		return false
	}

	for _, p := range g.PkgbasesSorted() {
		if color[p] == white && visit(p) {
			return cycle
		}
	}
	return nil
}

// reuseArtifacts carries Built results over from the superseded
// iteration's graph when the pinned commit did not change. This is a
// per-node cache lookup, never a graph-level copy.
func reuseArtifacts(g *domain.BuildGraph, prior *domain.BuildGraph) {
	if prior == nil {
		return
	}
	for pkgbase, node := range g.Nodes {
		prev, ok := prior.Nodes[pkgbase]
		if !ok || prev.Status != domain.StatusBuilt || prev.Commit != node.Commit {
			continue
		}
		node.Status = domain.StatusBuilt
		node.PackageFiles = append([]string(nil), prev.PackageFiles...)
	}
}

// markInitialStatuses propagates Blocked through dependents and
// promotes Pending nodes with every dependency Built (or none) to
// Ready.
func markInitialStatuses(g *domain.BuildGraph) {
	for _, pkgbase := range g.PkgbasesSorted() {
		if g.Nodes[pkgbase].Status != domain.StatusBlocked {
			continue
		}
		for _, dep := range g.Dependents(pkgbase) {
			blockDependents(g, dep)
		}
	}

	for _, pkgbase := range g.PkgbasesSorted() {
		node := g.Nodes[pkgbase]
		if node.Status != domain.StatusPending {
			continue
		}
		ready := true
		for _, status := range g.DependencyStatuses(pkgbase) {
			if status != domain.StatusBuilt {
				ready = false
				break
			}
		}
		if ready {
			node.Status = domain.StatusReady
		}
	}
}

func blockDependents(g *domain.BuildGraph, pkgbase domain.Pkgbase) {
	node := g.Nodes[pkgbase]
	if node.Status == domain.StatusBlocked {
		return
	}
	node.Status = domain.StatusBlocked
	for _, dep := range g.Dependents(pkgbase) {
		blockDependents(g, dep)
	}
}

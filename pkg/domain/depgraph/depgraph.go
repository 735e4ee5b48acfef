package depgraph

import (
	"context"
	"log"
	"sort"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/utils"
)

// Source is the view of the source mirror this package needs.
type Source interface {
	Pkgbases(ctx context.Context) ([]domain.Pkgbase, error)
	BranchCommit(ctx context.Context, pkgbase domain.Pkgbase, branch domain.BranchName) (domain.CommitHash, error)
	ReadPackageMetadata(ctx context.Context, pkgbase domain.Pkgbase, commit domain.CommitHash) (domain.PackageMetadata, error)
}

// BranchResolver decides which branch of each package a graph is
// built from.
type BranchResolver func(domain.Pkgbase) domain.BranchName

// DefaultBranches resolves every package to the default branch.
func DefaultBranches() BranchResolver {
	return func(domain.Pkgbase) domain.BranchName {
		return domain.DefaultBranch
	}
}

// WithOrigins resolves packages named in origins to their origin
// branch and everything else to the default branch.
func WithOrigins(origins []domain.OriginChangeset) BranchResolver {
	byPkgbase := utils.ToMap(origins, func(o domain.OriginChangeset) domain.Pkgbase { return o.Pkgbase })
	return func(pkgbase domain.Pkgbase) domain.BranchName {
		if o, ok := byPkgbase[pkgbase]; ok {
			return o.Branch
		}
		return domain.DefaultBranch
	}
}

// Vertex is one pkgbase resolved to a commit, with its metadata.
type Vertex struct {
	Pkgbase domain.Pkgbase
	Branch  domain.BranchName
	Commit  domain.CommitHash
	Meta    domain.PackageMetadata

	// non-nil when the branch could not be resolved or the metadata
	// could not be read. The vertex then contributes no edges.
	Err error
}

// Graph is the directed dependency graph over all known pkgbases for
// one branch resolution. Edge A → B means some pkgname of B depends on
// something provided by A.
//
// A Graph is immutable once built; publish new snapshots through Store.
type Graph struct {
	Vertices map[domain.Pkgbase]*Vertex

	// per concrete architecture: dependency pkgbase → dependent pkgbases
	dependents map[domain.Architecture]map[domain.Pkgbase][]domain.Pkgbase
}

// Build reads metadata for every package in src at the resolved branch
// and wires edges through a pkgname/provides index.
//
// Packages whose branch or metadata cannot be read stay in the graph as
// error vertices without edges; dependency names nothing provides are
// logged and skipped (they live in external system repositories).
func Build(ctx context.Context, src Source, resolve BranchResolver, logger *log.Logger) (*Graph, error) {
	pkgbases, err := src.Pkgbases(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(pkgbases, func(i, j int) bool { return pkgbases[i] < pkgbases[j] })

	g := &Graph{
		Vertices:   map[domain.Pkgbase]*Vertex{},
		dependents: map[domain.Architecture]map[domain.Pkgbase][]domain.Pkgbase{},
	}

	for _, pkgbase := range pkgbases {
		branch := resolve(pkgbase)
		v := &Vertex{Pkgbase: pkgbase, Branch: branch}
		g.Vertices[pkgbase] = v

		commit, err := src.BranchCommit(ctx, pkgbase, branch)
		if err != nil {
			v.Err = err
			continue
		}
		v.Commit = commit

		meta, err := src.ReadPackageMetadata(ctx, pkgbase, commit)
		if err != nil {
			v.Err = err
			continue
		}
		v.Meta = meta
	}

	for _, arch := range domain.ConcreteArchitectures() {
		// who provides which name, for this architecture
		providers := map[string][]domain.Pkgbase{}
		for _, pkgbase := range pkgbases {
			v := g.Vertices[pkgbase]
			if v.Err != nil {
				continue
			}
			for _, pkg := range v.Meta.PackagesFor(arch) {
				providers[string(pkg.Name)] = append(providers[string(pkg.Name)], pkgbase)
				for _, prov := range pkg.Provides {
					name := domain.StripVersionConstraint(prov)
					providers[name] = append(providers[name], pkgbase)
				}
			}
		}

		edges := map[domain.Pkgbase][]domain.Pkgbase{}
		seen := map[domain.Edge]bool{}
		for _, dependent := range pkgbases {
			v := g.Vertices[dependent]
			if v.Err != nil || !v.Meta.SupportsArchitecture(arch) {
				continue
			}
			for _, dep := range v.Meta.DependencyNamesFor(arch) {
				owners, ok := providers[dep]
				if !ok {
					logger.Printf("%s: dependency %q not provided by any package (%s)", dependent, dep, arch)
					continue
				}
				for _, owner := range owners {
					if owner == dependent {
						continue
					}
					e := domain.Edge{From: owner, To: dependent}
					if seen[e] {
						continue
					}
					seen[e] = true
					edges[owner] = append(edges[owner], dependent)
				}
			}
		}
		for owner := range edges {
			sort.Slice(edges[owner], func(i, j int) bool { return edges[owner][i] < edges[owner][j] })
		}
		g.dependents[arch] = edges
	}

	return g, nil
}

func (g *Graph) Vertex(pkgbase domain.Pkgbase) (*Vertex, bool) {
	v, ok := g.Vertices[pkgbase]
	return v, ok
}

// DirectDependents returns the packages directly depending on pkgbase
// for arch, sorted.
func (g *Graph) DirectDependents(pkgbase domain.Pkgbase, arch domain.Architecture) []domain.Pkgbase {
	return g.dependents[arch][pkgbase]
}

// Dependents returns the transitive dependents of pkgbase for arch,
// sorted. pkgbase itself is not included.
func (g *Graph) Dependents(pkgbase domain.Pkgbase, arch domain.Architecture) []domain.Pkgbase {
	seen := map[domain.Pkgbase]bool{}
	stack := append([]domain.Pkgbase(nil), g.DirectDependents(pkgbase, arch)...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.DirectDependents(next, arch)...)
	}
	return utils.Sorted(
		utils.KeysOf(seen),
		func(a, b domain.Pkgbase) bool { return a < b },
	)
}

// TopologicalOrder orders subset so that dependencies precede their
// dependents, ties broken lexicographically. Edges leaving the subset
// are ignored. Returns (nil, false) if the subset contains a cycle.
func (g *Graph) TopologicalOrder(subset []domain.Pkgbase, arch domain.Architecture) ([]domain.Pkgbase, bool) {
	inSubset := map[domain.Pkgbase]bool{}
	for _, p := range subset {
		inSubset[p] = true
	}

	indeg := map[domain.Pkgbase]int{}
	for _, p := range subset {
		indeg[p] = 0
	}
	for _, p := range subset {
		for _, dep := range g.DirectDependents(p, arch) {
			if inSubset[dep] {
				indeg[dep]++
			}
		}
	}

	frontier := []domain.Pkgbase{}
	for _, p := range utils.Sorted(subset, func(a, b domain.Pkgbase) bool { return a < b }) {
		if indeg[p] == 0 {
			frontier = append(frontier, p)
		}
	}

	order := make([]domain.Pkgbase, 0, len(subset))
	for len(frontier) > 0 {
		p := frontier[0]
		frontier = frontier[1:]
		order = append(order, p)
		for _, dep := range g.DirectDependents(p, arch) {
			if !inSubset[dep] {
				continue
			}
			indeg[dep]--
			if indeg[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
		frontier = utils.Sorted(frontier, func(a, b domain.Pkgbase) bool { return a < b })
	}

	if len(order) != len(subset) {
		return nil, false
	}
	return order, true
}

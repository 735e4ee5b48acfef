package planner_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/internal/testutils/fakesource"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/domain/planner"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
	"github.com/archlinux/buildbtw/pkg/utils/try"
)

var discard = log.New(io.Discard, "", 0)

func plan(t *testing.T, src *fakesource.Source, origins []domain.OriginChangeset, prior *domain.Iteration) planner.Plan {
	t.Helper()
	ctx := context.Background()
	graph := try.To(depgraph.Build(ctx, src, depgraph.WithOrigins(origins), discard)).OrFatal(t)
	pl := planner.Planner{Source: src, Logger: discard}
	return try.To(pl.Plan(ctx, origins, graph, prior)).OrFatal(t)
}

func origins(pkgbase domain.Pkgbase) []domain.OriginChangeset {
	return []domain.OriginChangeset{{Pkgbase: pkgbase, Branch: domain.DefaultBranch}}
}

func TestPlanner_SinglePackage(t *testing.T) {
	src := fakesource.New()
	src.Add("curl", "main", "c1", fakesource.Meta("curl"))

	p := plan(t, src, origins("curl"), nil)

	g, ok := p.Graphs[domain.ArchX86_64]
	if !ok {
		t.Fatal("no x86_64 graph")
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("nodes = %v", g.Nodes)
	}
	node := g.Nodes["curl"]
	if node.Status != domain.StatusReady {
		t.Errorf("origin without dependencies should start Ready, is %s", node.Status)
	}
	if node.Commit != "c1" {
		t.Errorf("pinned commit = %s", node.Commit)
	}
	if len(p.Origins) != 1 || p.Origins[0].Commit != "c1" {
		t.Errorf("pinned origins = %v", p.Origins)
	}
}

func TestPlanner_FanOut(t *testing.T) {
	src := fakesource.New()
	src.Add("openssl", "main", "c1", fakesource.Meta("openssl"))
	src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))
	src.Add("bind", "main", "c3", fakesource.Meta("bind", "openssl"))
	src.Add("git", "main", "c4", fakesource.Meta("git", "openssl"))
	// unrelated package must not join the graph
	src.Add("vim", "main", "c5", fakesource.Meta("vim"))

	p := plan(t, src, origins("openssl"), nil)

	g := p.Graphs[domain.ArchX86_64]
	if !cmp.SliceContentEq(
		g.PkgbasesSorted(),
		[]domain.Pkgbase{"bind", "curl", "git", "openssl"},
	) {
		t.Fatalf("nodes = %v", g.PkgbasesSorted())
	}

	if g.Nodes["openssl"].Status != domain.StatusReady {
		t.Errorf("openssl = %s, want ready", g.Nodes["openssl"].Status)
	}
	for _, dependent := range []domain.Pkgbase{"bind", "curl", "git"} {
		if g.Nodes[dependent].Status != domain.StatusPending {
			t.Errorf("%s = %s, want pending", dependent, g.Nodes[dependent].Status)
		}
	}
}

func TestPlanner_CycleBreaking(t *testing.T) {
	// A and B build-depend on each other
	src := fakesource.New()
	src.Add("pkg-a", "main", "ca", fakesource.MetaWithMakeDepends("pkg-a", "pkg-b"))
	src.Add("pkg-b", "main", "cb", fakesource.MetaWithMakeDepends("pkg-b", "pkg-a"))

	p := plan(t, src, []domain.OriginChangeset{
		{Pkgbase: "pkg-a", Branch: domain.DefaultBranch},
		{Pkgbase: "pkg-b", Branch: domain.DefaultBranch},
	}, nil)

	g := p.Graphs[domain.ArchX86_64]
	if !g.Acyclic() {
		t.Fatal("cycle survived planning")
	}

	// the lexicographically smaller pkgbase keeps its incoming edge:
	// pkg-b -> pkg-a stays, pkg-a -> pkg-b is dropped and audited.
	if !cmp.SliceEq(g.Edges, []domain.Edge{{From: "pkg-b", To: "pkg-a"}}) {
		t.Errorf("edges = %v", g.Edges)
	}
	if !cmp.SliceEq(g.DroppedEdges, []domain.Edge{{From: "pkg-a", To: "pkg-b"}}) {
		t.Errorf("dropped edges = %v", g.DroppedEdges)
	}

	if g.Nodes["pkg-b"].Status != domain.StatusReady {
		t.Errorf("pkg-b = %s, want ready", g.Nodes["pkg-b"].Status)
	}
	if g.Nodes["pkg-a"].Status != domain.StatusPending {
		t.Errorf("pkg-a = %s, want pending", g.Nodes["pkg-a"].Status)
	}
}

func TestPlanner_Determinism(t *testing.T) {
	src := fakesource.New()
	src.Add("openssl", "main", "c1", fakesource.Meta("openssl"))
	src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))
	src.Add("bind", "main", "c3", fakesource.Meta("bind", "openssl", "curl"))

	first := plan(t, src, origins("openssl"), nil)
	second := plan(t, src, origins("openssl"), nil)

	if !cmp.MapEqWith(
		first.Graphs, second.Graphs,
		func(a, b *domain.BuildGraph) bool { return a.Equal(b) },
	) {
		t.Error("two plans from identical inputs differ")
	}
}

func TestPlanner_OriginErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown origin fails the plan", func(t *testing.T) {
		src := fakesource.New()
		src.Add("curl", "main", "c1", fakesource.Meta("curl"))

		graph := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)
		pl := planner.Planner{Source: src, Logger: discard}

		_, err := pl.Plan(ctx, origins("no-such-pkg"), graph, nil)
		if !errors.Is(err, domain.ErrOriginUnknown) {
			t.Errorf("error = %v, want ErrOriginUnknown", err)
		}
	})

	t.Run("missing origin branch fails the plan", func(t *testing.T) {
		src := fakesource.New()
		src.Add("curl", "main", "c1", fakesource.Meta("curl"))

		wantedOrigins := []domain.OriginChangeset{{Pkgbase: "curl", Branch: "no-such-branch"}}
		graph := try.To(depgraph.Build(ctx, src, depgraph.WithOrigins(wantedOrigins), discard)).OrFatal(t)
		pl := planner.Planner{Source: src, Logger: discard}

		_, err := pl.Plan(ctx, wantedOrigins, graph, nil)
		if !errors.Is(err, domain.ErrBranchMissing) {
			t.Errorf("error = %v, want ErrBranchMissing", err)
		}
	})

	t.Run("invalid metadata of an origin fails the plan", func(t *testing.T) {
		src := fakesource.New()
		src.AddBroken("curl", "main", "c1")

		graph := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)
		pl := planner.Planner{Source: src, Logger: discard}

		_, err := pl.Plan(ctx, origins("curl"), graph, nil)
		if !errors.Is(err, domain.ErrMetadataInvalid) {
			t.Errorf("error = %v, want ErrMetadataInvalid", err)
		}
	})
}

func TestPlanner_ArtifactReuse(t *testing.T) {
	src := fakesource.New()
	src.Add("libfoo", "main", "c1", fakesource.Meta("libfoo"))
	src.Add("app", "main", "c2", fakesource.Meta("app", "libfoo"))

	prior := &domain.Iteration{
		Id:          uuid.New(),
		NamespaceId: uuid.New(),
		CreatedAt:   time.Now(),
		BuildGraphs: map[domain.Architecture]*domain.BuildGraph{},
	}
	priorPlan := plan(t, src, origins("libfoo"), nil)
	prior.BuildGraphs = priorPlan.Graphs
	prior.BuildGraphs[domain.ArchX86_64].Nodes["libfoo"].Status = domain.StatusBuilt
	prior.BuildGraphs[domain.ArchX86_64].Nodes["libfoo"].PackageFiles = []string{
		"libfoo-1.0.0-1-x86_64.pkg.tar.zst",
	}

	p := plan(t, src, origins("libfoo"), prior)
	g := p.Graphs[domain.ArchX86_64]

	libfoo := g.Nodes["libfoo"]
	if libfoo.Status != domain.StatusBuilt {
		t.Errorf("libfoo = %s, want built (reused)", libfoo.Status)
	}
	if !cmp.SliceEq(libfoo.PackageFiles, []string{"libfoo-1.0.0-1-x86_64.pkg.tar.zst"}) {
		t.Errorf("libfoo package files = %v", libfoo.PackageFiles)
	}

	// with its only dependency already built, app starts ready
	if g.Nodes["app"].Status != domain.StatusReady {
		t.Errorf("app = %s, want ready", g.Nodes["app"].Status)
	}

	t.Run("reuse does not apply to a changed commit", func(t *testing.T) {
		src.Add("libfoo", "main", "c1-new", fakesource.Meta("libfoo"))

		p := plan(t, src, origins("libfoo"), prior)
		node := p.Graphs[domain.ArchX86_64].Nodes["libfoo"]
		if node.Status != domain.StatusReady {
			t.Errorf("re-pinned libfoo = %s, want ready", node.Status)
		}
	})
}

func TestPlanner_BrokenDependentIsBlocked(t *testing.T) {
	// a dependent in the closure whose metadata is invalid at the
	// pinned commit is planned as blocked, with its own dependents
	// blocked transitively; planning itself succeeds.
	src := fakesource.New()
	src.Add("openssl", "main", "c1", fakesource.Meta("openssl"))
	src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))
	src.Add("git", "main", "c3", fakesource.Meta("git", "curl"))

	// make curl's metadata unreadable at its pinned commit while the
	// graph still knows its edges from the memoized view
	brokenPlan := func() planner.Plan {
		ctx := context.Background()
		graph := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)
		src.AddBroken("curl", "main", "c2")
		defer src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))

		pl := planner.Planner{Source: src, Logger: discard}
		return try.To(pl.Plan(ctx, origins("openssl"), graph, nil)).OrFatal(t)
	}()

	g := brokenPlan.Graphs[domain.ArchX86_64]
	if g.Nodes["curl"].Status != domain.StatusBlocked {
		t.Errorf("curl = %s, want blocked", g.Nodes["curl"].Status)
	}
	if g.Nodes["git"].Status != domain.StatusBlocked {
		t.Errorf("git = %s, want blocked (transitively)", g.Nodes["git"].Status)
	}
	if g.Nodes["openssl"].Status != domain.StatusReady {
		t.Errorf("openssl = %s, want ready", g.Nodes["openssl"].Status)
	}
}

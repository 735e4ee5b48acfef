package depgraph_test

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/archlinux/buildbtw/internal/testutils/fakesource"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/utils/cmp"
	"github.com/archlinux/buildbtw/pkg/utils/try"
)

var discard = log.New(io.Discard, "", 0)

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("edges point from providers to dependents", func(t *testing.T) {
		src := fakesource.New()
		src.Add("openssl", "main", "c-openssl", fakesource.Meta("openssl"))
		src.Add("curl", "main", "c-curl", fakesource.Meta("curl", "openssl"))
		src.Add("git", "main", "c-git", fakesource.Meta("git", "curl"))

		g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)

		if deps := g.DirectDependents("openssl", domain.ArchX86_64); !cmp.SliceEq(deps, []domain.Pkgbase{"curl"}) {
			t.Errorf("direct dependents of openssl = %v", deps)
		}
		if deps := g.Dependents("openssl", domain.ArchX86_64); !cmp.SliceEq(deps, []domain.Pkgbase{"curl", "git"}) {
			t.Errorf("transitive dependents of openssl = %v", deps)
		}
	})

	t.Run("provides targets resolve to the owning pkgbase", func(t *testing.T) {
		src := fakesource.New()
		openssl := fakesource.Meta("openssl")
		openssl.Packages[0].Provides = []string{"libcrypto.so=3"}
		src.Add("openssl", "main", "c-openssl", openssl)
		src.Add("bind", "main", "c-bind", fakesource.Meta("bind", "libcrypto.so"))

		g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)

		if deps := g.Dependents("openssl", domain.ArchX86_64); !cmp.SliceEq(deps, []domain.Pkgbase{"bind"}) {
			t.Errorf("dependents of openssl = %v", deps)
		}
	})

	t.Run("unresolved dependencies add no edge", func(t *testing.T) {
		src := fakesource.New()
		src.Add("curl", "main", "c-curl", fakesource.Meta("curl", "glibc"))

		g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)
		if deps := g.Dependents("curl", domain.ArchX86_64); len(deps) != 0 {
			t.Errorf("dependents of curl = %v", deps)
		}
	})

	t.Run("arch-specific dependents stay in their architecture", func(t *testing.T) {
		src := fakesource.New()
		src.Add("openssl", "main", "c-openssl", fakesource.Meta("openssl"))
		armOnly := fakesource.Meta("arm-tool", "openssl")
		armOnly.Architectures = []domain.Architecture{domain.ArchAarch64}
		src.Add("arm-tool", "main", "c-arm", armOnly)

		g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)

		if deps := g.Dependents("openssl", domain.ArchX86_64); len(deps) != 0 {
			t.Errorf("x86_64 dependents = %v", deps)
		}
		// openssl is x86_64-only, so the aarch64 graph has no provider
		// for arm-tool's dependency either
		if deps := g.Dependents("openssl", domain.ArchAarch64); len(deps) != 0 {
			t.Errorf("aarch64 dependents = %v", deps)
		}
	})

	t.Run("a vertex with broken metadata has no edges but exists", func(t *testing.T) {
		src := fakesource.New()
		src.AddBroken("corrupt", "main", "c-bad")
		src.Add("curl", "main", "c-curl", fakesource.Meta("curl", "corrupt"))

		g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)

		v, ok := g.Vertex("corrupt")
		if !ok {
			t.Fatal("broken vertex missing from graph")
		}
		if v.Err == nil {
			t.Error("broken vertex carries no error")
		}
		if deps := g.Dependents("corrupt", domain.ArchX86_64); len(deps) != 0 {
			t.Errorf("dependents of corrupt = %v", deps)
		}
	})
}

func TestWithOrigins(t *testing.T) {
	resolve := depgraph.WithOrigins([]domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "fix-cve"},
	})
	if got := resolve("curl"); got != "fix-cve" {
		t.Errorf("curl resolves to %s", got)
	}
	if got := resolve("openssl"); got != domain.DefaultBranch {
		t.Errorf("openssl resolves to %s", got)
	}
}

func TestGraph_TopologicalOrder(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New()
	src.Add("openssl", "main", "c1", fakesource.Meta("openssl"))
	src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))
	src.Add("git", "main", "c3", fakesource.Meta("git", "curl", "openssl"))

	g := try.To(depgraph.Build(ctx, src, depgraph.DefaultBranches(), discard)).OrFatal(t)

	order, ok := g.TopologicalOrder(
		[]domain.Pkgbase{"git", "curl", "openssl"}, domain.ArchX86_64,
	)
	if !ok {
		t.Fatal("subset reported cyclic")
	}
	if !cmp.SliceEq(order, []domain.Pkgbase{"openssl", "curl", "git"}) {
		t.Errorf("order = %v", order)
	}
}

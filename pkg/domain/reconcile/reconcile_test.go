package reconcile_test

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/archlinux/buildbtw/internal/testutils/fakesource"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb/inmem"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/utils/try"
)

var discard = log.New(io.Discard, "", 0)

func newReconciler(db nsdb.Database, src *fakesource.Source) *reconcile.Reconciler {
	return &reconcile.Reconciler{
		DB:     db,
		Mirror: src,
		Engine: schedule.New(db, 4, discard, nil),
		Graphs: &depgraph.Store{},
		Logger: discard,
	}
}

func TestReconciler_FirstIteration(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("curl", "main", "c1", fakesource.Meta("curl"))

	ns := try.To(db.Namespaces().Create(ctx, "curl-test", []domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "main"},
	})).OrFatal(t)

	rec := newReconciler(db, src)
	created := try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	if !created {
		t.Fatal("first reconciliation created no iteration")
	}

	it := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)
	if it.CreateReason.Kind != domain.ReasonFirstIteration {
		t.Errorf("create reason = %s", it.CreateReason.Kind)
	}
	if it.OriginChangesets[0].Commit != "c1" {
		t.Errorf("pinned commit = %s", it.OriginChangesets[0].Commit)
	}
	if got := it.BuildGraphs[domain.ArchX86_64].Nodes["curl"].Status; got != domain.StatusReady {
		t.Errorf("curl = %s, want ready", got)
	}
}

func TestReconciler_Idempotence(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("curl", "main", "c1", fakesource.Meta("curl"))

	ns := try.To(db.Namespaces().Create(ctx, "curl-test", []domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "main"},
	})).OrFatal(t)

	rec := newReconciler(db, src)
	try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)

	writesBefore := inmem.Writes(db)
	for i := 0; i < 2; i++ {
		created := try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
		if created {
			t.Fatal("reconciliation without source changes created an iteration")
		}
	}
	if got := inmem.Writes(db); got != writesBefore {
		t.Errorf("idempotent passes performed %d writes", got-writesBefore)
	}

	iterations := try.To(db.Iterations().ListForNamespace(ctx, ns.Id)).OrFatal(t)
	if len(iterations) != 1 {
		t.Errorf("iterations = %d, want 1", len(iterations))
	}
}

func TestReconciler_Supersession(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("curl", "main", "c1", fakesource.Meta("curl"))

	ns := try.To(db.Namespaces().Create(ctx, "curl-test", []domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "main"},
	})).OrFatal(t)

	rec := newReconciler(db, src)
	try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	first := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)

	// a new commit lands on the origin branch
	src.Add("curl", "main", "c2", fakesource.Meta("curl"))

	created := try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	if !created {
		t.Fatal("origin change did not create an iteration")
	}

	second := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)
	if second.Id == first.Id {
		t.Fatal("newest iteration did not change")
	}
	if second.CreateReason.Kind != domain.ReasonOriginChanged {
		t.Errorf("create reason = %s", second.CreateReason.Kind)
	}
	if second.OriginChangesets[0].Commit != "c2" {
		t.Errorf("pinned commit = %s, want c2", second.OriginChangesets[0].Commit)
	}

	// the superseded iteration's non-terminal nodes are cancelled
	superseded := try.To(db.Iterations().Get(ctx, first.Id)).OrFatal(t)
	if got := superseded.BuildGraphs[domain.ArchX86_64].Nodes["curl"].Status; got != domain.StatusCancelled {
		t.Errorf("superseded curl = %s, want cancelled", got)
	}
}

func TestReconciler_DependencyChange(t *testing.T) {
	// a non-origin dependency moving on its default branch re-plans
	// the namespace when that package is part of the build graph.
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("openssl", "main", "c1", fakesource.Meta("openssl"))
	src.Add("curl", "main", "c2", fakesource.Meta("curl", "openssl"))

	ns := try.To(db.Namespaces().Create(ctx, "openssl-test", []domain.OriginChangeset{
		{Pkgbase: "openssl", Branch: "main"},
	})).OrFatal(t)

	rec := newReconciler(db, src)
	try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)

	// curl (a dependent in the graph, not an origin) moves
	src.Add("curl", "main", "c2-new", fakesource.Meta("curl", "openssl"))

	created := try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	if !created {
		t.Fatal("dependency change did not create an iteration")
	}

	newest := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)
	if newest.CreateReason.Kind != domain.ReasonGraphChanged {
		t.Errorf("create reason = %s", newest.CreateReason.Kind)
	}
	if got := newest.BuildGraphs[domain.ArchX86_64].Nodes["curl"].Commit; got != "c2-new" {
		t.Errorf("curl pinned at %s, want c2-new", got)
	}
}

func TestReconciler_CancelledNamespaceIsSkipped(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("curl", "main", "c1", fakesource.Meta("curl"))

	ns := try.To(db.Namespaces().Create(ctx, "curl-test", []domain.OriginChangeset{
		{Pkgbase: "curl", Branch: "main"},
	})).OrFatal(t)
	if err := db.Namespaces().SetStatus(ctx, ns.Name, domain.NamespaceCancelled); err != nil {
		t.Fatal(err)
	}

	rec := newReconciler(db, src)
	updated := try.To(rec.ReconcileAll(ctx)).OrFatal(t)
	if updated {
		t.Error("reconciling a cancelled namespace reported updates")
	}

	if _, err := db.Iterations().Newest(ctx, ns.Id); !domain.IsMissing(err) {
		t.Errorf("cancelled namespace got an iteration: %v", err)
	}
}

func TestReconciler_ArtifactReuseAcrossIterations(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	src := fakesource.New()
	src.Add("libfoo", "main", "c1", fakesource.Meta("libfoo"))
	src.Add("app", "main", "a1", fakesource.Meta("app", "libfoo"))

	ns := try.To(db.Namespaces().Create(ctx, "libfoo-test", []domain.OriginChangeset{
		{Pkgbase: "libfoo", Branch: "main"},
	})).OrFatal(t)

	rec := newReconciler(db, src)
	try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	first := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)

	// libfoo builds successfully in the first iteration
	engine := schedule.New(db, 4, discard, nil)
	if err := engine.RecordArtifact(ctx, first.Id, "libfoo", domain.ArchX86_64, "libfoo-1.0.0-1-x86_64.pkg.tar.zst"); err != nil {
		t.Fatal(err)
	}
	try.To(engine.NextAssignment(ctx, "w", 0)).OrFatal(t)
	if err := engine.Report(ctx, first.Id, "libfoo", domain.ArchX86_64, domain.StatusBuilt, "w"); err != nil {
		t.Fatal(err)
	}

	// the sibling changes; libfoo's commit does not
	src.Add("app", "main", "a2", fakesource.Meta("app", "libfoo"))
	created := try.To(rec.ReconcileNamespace(ctx, ns)).OrFatal(t)
	if !created {
		t.Fatal("sibling change did not create an iteration")
	}

	second := try.To(db.Iterations().Newest(ctx, ns.Id)).OrFatal(t)
	node := second.BuildGraphs[domain.ArchX86_64].Nodes["libfoo"]
	if node.Status != domain.StatusBuilt {
		t.Errorf("libfoo = %s, want built (reused from superseded iteration)", node.Status)
	}
	if len(node.PackageFiles) != 1 {
		t.Errorf("libfoo package files = %v", node.PackageFiles)
	}
}

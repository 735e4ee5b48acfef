package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/planner"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/loop/recurring"
)

// SourceMirror is the mirror surface the reconciler drives.
type SourceMirror interface {
	depgraph.Source
	Refresh(ctx context.Context, pkgbase domain.Pkgbase) (map[domain.BranchName]domain.CommitHash, error)
}

// Reconciler detects upstream source changes and supersedes iterations
// whose inputs changed.
//
// Each namespace has at most one reconciliation in flight; distinct
// namespaces reconcile in parallel. A pass with no source changes
// performs no database writes.
type Reconciler struct {
	DB     nsdb.Database
	Mirror SourceMirror
	Engine *schedule.Engine
	Graphs *depgraph.Store
	Logger *log.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]*sync.Mutex
}

func (r *Reconciler) lockFor(namespaceId uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = map[uuid.UUID]*sync.Mutex{}
	}
	l, ok := r.inFlight[namespaceId]
	if !ok {
		l = &sync.Mutex{}
		r.inFlight[namespaceId] = l
	}
	return l
}

// Task adapts ReconcileAll to a recurring loop pass.
func (r *Reconciler) Task() recurring.Task[struct{}] {
	return func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		updated, err := r.ReconcileAll(ctx)
		return value, updated, err
	}
}

// ReconcileAll runs one pass over every active namespace, in parallel.
// It reports whether any namespace got a new iteration. Per-namespace
// failures are logged and retried on the next pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) (bool, error) {
	namespaces, err := r.DB.Namespaces().List(ctx)
	if err != nil {
		return false, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	updated := false
	for _, ns := range namespaces {
		if ns.Status != domain.NamespaceActive {
			continue
		}
		wg.Add(1)
		go func(ns domain.Namespace) {
			defer wg.Done()
			created, err := r.ReconcileNamespace(ctx, ns)
			if err != nil {
				r.Logger.Printf("namespace %q: %v", ns.Name, err)
				return
			}
			if created {
				mu.Lock()
				updated = true
				mu.Unlock()
			}
		}(ns)
	}
	wg.Wait()

	r.publishDefaultGraph(ctx)
	return updated, nil
}

// ReconcileNamespace refreshes the namespace's sources and creates a
// new iteration when they changed (or when none exists yet). Returns
// whether an iteration was created.
//
// If a reconciliation of the same namespace is already in flight, the
// call is a no-op.
func (r *Reconciler) ReconcileNamespace(ctx context.Context, ns domain.Namespace) (bool, error) {
	l := r.lockFor(ns.Id)
	if !l.TryLock() {
		return false, nil
	}
	defer l.Unlock()

	newest, err := r.DB.Iterations().Newest(ctx, ns.Id)
	hasPrior := err == nil
	if err != nil && !domain.IsMissing(err) {
		return false, err
	}

	for _, pkgbase := range r.refreshSet(ns, newest, hasPrior) {
		if _, err := r.Mirror.Refresh(ctx, pkgbase); err != nil {
			// transient: keep planning against the stale mirror and
			// let the next tick retry the fetch.
			r.Logger.Printf("refresh %s: %v", pkgbase, err)
		}
	}

	plan, err := r.plan(ctx, ns, hasPrior, newest)
	if err != nil {
		return false, err
	}

	reason, needed := newIterationReason(plan, newest, hasPrior)
	if !needed {
		return false, nil
	}

	return true, r.createIteration(ctx, ns, plan, reason, newest, hasPrior)
}

// CreateIteration follows the reconciliation code path but bypasses
// the change check. Used for the first iteration of a fresh namespace
// and for manual iteration requests.
func (r *Reconciler) CreateIteration(ctx context.Context, ns domain.Namespace, kind domain.CreateReasonKind) (domain.Iteration, error) {
	l := r.lockFor(ns.Id)
	l.Lock()
	defer l.Unlock()

	newest, err := r.DB.Iterations().Newest(ctx, ns.Id)
	hasPrior := err == nil
	if err != nil && !domain.IsMissing(err) {
		return domain.Iteration{}, err
	}

	plan, err := r.plan(ctx, ns, hasPrior, newest)
	if err != nil {
		return domain.Iteration{}, err
	}

	reason := domain.CreateReason{Kind: kind}
	if err := r.createIteration(ctx, ns, plan, reason, newest, hasPrior); err != nil {
		return domain.Iteration{}, err
	}
	return r.DB.Iterations().Newest(ctx, ns.Id)
}

func (r *Reconciler) refreshSet(ns domain.Namespace, newest domain.Iteration, hasPrior bool) []domain.Pkgbase {
	seen := map[domain.Pkgbase]bool{}
	set := []domain.Pkgbase{}
	add := func(p domain.Pkgbase) {
		if !seen[p] {
			seen[p] = true
			set = append(set, p)
		}
	}
	for _, o := range ns.OriginChangesets {
		add(o.Pkgbase)
	}
	if hasPrior {
		for _, g := range newest.BuildGraphs {
			for pkgbase := range g.Nodes {
				add(pkgbase)
			}
		}
	}
	return set
}

func (r *Reconciler) plan(ctx context.Context, ns domain.Namespace, hasPrior bool, newest domain.Iteration) (planner.Plan, error) {
	graph, err := depgraph.Build(ctx, r.Mirror, depgraph.WithOrigins(ns.OriginChangesets), r.Logger)
	if err != nil {
		return planner.Plan{}, err
	}

	pl := planner.Planner{Source: r.Mirror, Logger: r.Logger}
	var prior *domain.Iteration
	if hasPrior {
		prior = &newest
	}
	return pl.Plan(ctx, ns.OriginChangesets, graph, prior)
}

// newIterationReason implements the change check: a new iteration is
// needed when origin pins moved, or when the planned graphs differ
// from the newest iteration's.
func newIterationReason(plan planner.Plan, newest domain.Iteration, hasPrior bool) (domain.CreateReason, bool) {
	if !hasPrior {
		return domain.CreateReason{Kind: domain.ReasonFirstIteration}, true
	}

	if changed := changedOrigins(newest.OriginChangesets, plan.Origins); len(changed) != 0 {
		return domain.CreateReason{
			Kind:    domain.ReasonOriginChanged,
			Changed: changed,
		}, true
	}

	diff := domain.DiffIterations(newest.BuildGraphs, plan.Graphs)
	if diff.Empty() {
		return domain.CreateReason{}, false
	}
	return domain.CreateReason{
		Kind:    domain.ReasonGraphChanged,
		Changed: diff.ChangedPkgbases(),
		Diff:    &diff,
	}, true
}

func changedOrigins(old, new []domain.PinnedChangeset) []domain.Pkgbase {
	pinned := map[domain.Pkgbase]domain.CommitHash{}
	for _, o := range old {
		pinned[o.Pkgbase] = o.Commit
	}
	changed := []domain.Pkgbase{}
	for _, o := range new {
		if commit, ok := pinned[o.Pkgbase]; !ok || commit != o.Commit {
			changed = append(changed, o.Pkgbase)
		}
	}
	return changed
}

func (r *Reconciler) createIteration(
	ctx context.Context,
	ns domain.Namespace,
	plan planner.Plan,
	reason domain.CreateReason,
	newest domain.Iteration,
	hasPrior bool,
) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	it := domain.Iteration{
		Id:               id,
		NamespaceId:      ns.Id,
		CreatedAt:        time.Now().UTC(),
		OriginChangesets: plan.Origins,
		BuildGraphs:      plan.Graphs,
		CreateReason:     reason,
	}
	if err := r.DB.Iterations().Create(ctx, it); err != nil {
		return err
	}
	r.Logger.Printf(
		"namespace %q: new iteration %s (%s)", ns.Name, it.Id, reason.ShortDescription(),
	)

	// supersede after the new iteration is durable, so the namespace
	// is never left without a current iteration.
	if hasPrior {
		if err := r.Engine.CancelIteration(ctx, newest.Id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) publishDefaultGraph(ctx context.Context) {
	if r.Graphs == nil {
		return
	}
	graph, err := depgraph.Build(ctx, r.Mirror, depgraph.DefaultBranches(), r.Logger)
	if err != nil {
		r.Logger.Printf("default graph rebuild: %v", err)
		return
	}
	r.Graphs.Swap(graph)
}

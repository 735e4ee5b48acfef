package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/utils"
)

// Assignment is the build context handed to an executor for one node.
type Assignment struct {
	NamespaceName string                 `json:"namespace_name"`
	IterationId   uuid.UUID              `json:"iteration_id"`
	Pkgbase       domain.Pkgbase         `json:"pkgbase"`
	Branch        domain.BranchName      `json:"branch"`
	Commit        domain.CommitHash      `json:"commit"`
	Architecture  domain.Architecture    `json:"architecture"`
	Metadata      domain.PackageMetadata `json:"metadata"`
}

// Engine drives every build node through its state machine.
//
// All transitions of one iteration pass through a per-iteration
// critical section: an executor reporting success never races the
// readiness evaluation of its dependents. Transitions are persisted
// before any readiness signal is observable by pollers.
type Engine struct {
	db      nsdb.Database
	logger  *log.Logger
	metrics *Metrics

	// at most this many nodes Assigned or Building per architecture,
	// across all namespaces.
	maxPerArch int

	mu        sync.Mutex
	iterLocks map[uuid.UUID]*sync.Mutex
	signal    chan struct{}
}

func New(db nsdb.Database, maxPerArch int, logger *log.Logger, metrics *Metrics) *Engine {
	if maxPerArch < 1 {
		maxPerArch = 1
	}
	return &Engine{
		db:         db,
		logger:     logger,
		metrics:    metrics,
		maxPerArch: maxPerArch,
		iterLocks:  map[uuid.UUID]*sync.Mutex{},
		signal:     make(chan struct{}),
	}
}

func (e *Engine) lockFor(iterationId uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.iterLocks[iterationId]
	if !ok {
		l = &sync.Mutex{}
		e.iterLocks[iterationId] = l
	}
	return l
}

// bell returns a channel closed at the next state change.
func (e *Engine) bell() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signal
}

func (e *Engine) ring() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.signal)
	e.signal = make(chan struct{})
}

// NextAssignment blocks until a node can be claimed, maxWait elapses,
// or ctx is done. Returns (nil, nil) on timeout.
//
// The claim is atomic: the node goes Ready → Assigned and is persisted
// before the assignment is returned.
func (e *Engine) NextAssignment(ctx context.Context, executorRef string, maxWait time.Duration) (*Assignment, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		bell := e.bell()

		assignment, err := e.claim(ctx, executorRef)
		if err != nil {
			return nil, err
		}
		if assignment != nil {
			return assignment, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-bell:
		}
	}
}

// claim picks the highest-priority Ready node within the backpressure
// budget, or nil when there is nothing to do right now.
func (e *Engine) claim(ctx context.Context, executorRef string) (*Assignment, error) {
	namespaces, err := e.db.Namespaces().List(ctx)
	if err != nil {
		return nil, err
	}

	inFlight, err := e.inFlightPerArch(ctx, namespaces)
	if err != nil {
		return nil, err
	}

	for _, ns := range namespaces {
		if ns.Status != domain.NamespaceActive {
			continue
		}
		it, err := e.db.Iterations().Newest(ctx, ns.Id)
		if err != nil {
			if domain.IsMissing(err) {
				continue
			}
			return nil, err
		}

		assignment, err := e.claimFromIteration(ctx, ns, it.Id, inFlight, executorRef)
		if err != nil {
			return nil, err
		}
		if assignment != nil {
			return assignment, nil
		}
	}
	return nil, nil
}

func (e *Engine) claimFromIteration(
	ctx context.Context,
	ns domain.Namespace,
	iterationId uuid.UUID,
	inFlight map[domain.Architecture]int,
	executorRef string,
) (*Assignment, error) {
	l := e.lockFor(iterationId)
	l.Lock()
	defer l.Unlock()

	// reload under the lock: another claim may have won the node.
	it, err := e.db.Iterations().Get(ctx, iterationId)
	if err != nil {
		return nil, err
	}

	for _, arch := range utils.Sorted(
		utils.KeysOf(it.BuildGraphs),
		func(a, b domain.Architecture) bool { return a < b },
	) {
		if inFlight[arch] >= e.maxPerArch {
			continue
		}
		g := it.BuildGraphs[arch]

		node := pickReady(g)
		if node == nil {
			continue
		}

		node.Status = domain.StatusAssigned
		node.ExecutorRef = executorRef
		node.UpdatedAt = time.Now().UTC()
		if err := e.db.Iterations().UpdateGraphs(ctx, it.Id, it.BuildGraphs); err != nil {
			return nil, err
		}
		e.metrics.transition(domain.StatusAssigned)

		return &Assignment{
			NamespaceName: ns.Name,
			IterationId:   it.Id,
			Pkgbase:       node.Pkgbase,
			Branch:        node.Branch,
			Commit:        node.Commit,
			Architecture:  arch,
			Metadata:      node.Metadata,
		}, nil
	}
	return nil, nil
}

// pickReady selects the Ready node unblocking the widest subtree:
// most transitive dependents first, pkgbase as tiebreak.
func pickReady(g *domain.BuildGraph) *domain.BuildNode {
	var best *domain.BuildNode
	bestCount := -1
	for _, pkgbase := range g.PkgbasesSorted() {
		node := g.Nodes[pkgbase]
		if node.Status != domain.StatusReady {
			continue
		}
		if count := g.DescendantCount(pkgbase); count > bestCount {
			best = node
			bestCount = count
		}
	}
	return best
}

func (e *Engine) inFlightPerArch(ctx context.Context, namespaces []domain.Namespace) (map[domain.Architecture]int, error) {
	counts := map[domain.Architecture]int{}
	for _, ns := range namespaces {
		if ns.Status != domain.NamespaceActive {
			continue
		}
		it, err := e.db.Iterations().Newest(ctx, ns.Id)
		if err != nil {
			if domain.IsMissing(err) {
				continue
			}
			return nil, err
		}
		for arch, g := range it.BuildGraphs {
			for _, node := range g.Nodes {
				if node.Status.InFlight() {
					counts[arch]++
				}
			}
		}
	}
	return counts, nil
}

// Report applies an executor's status callback for one node.
//
// A repeated terminal report is a no-op; a backward transition returns
// domain.ErrIllegalTransition; a report against an iteration that is no
// longer its namespace's newest returns domain.ErrIterationSuperseded.
func (e *Engine) Report(
	ctx context.Context,
	iterationId uuid.UUID,
	pkgbase domain.Pkgbase,
	arch domain.Architecture,
	status domain.BuildStatus,
	executorRef string,
) error {
	l := e.lockFor(iterationId)
	l.Lock()
	defer l.Unlock()

	it, err := e.db.Iterations().Get(ctx, iterationId)
	if err != nil {
		return err
	}
	if err := e.ensureCurrent(ctx, it); err != nil {
		return err
	}

	g, ok := it.BuildGraphs[arch]
	if !ok {
		return fmt.Errorf("%w: no %s build graph in iteration %s", domain.ErrMissing, arch, iterationId)
	}
	node, ok := g.Nodes[pkgbase]
	if !ok {
		return fmt.Errorf("%w: %s not in %s build graph", domain.ErrMissing, pkgbase, arch)
	}

	if node.Status == status && status.Terminal() {
		return nil
	}
	if !node.Status.CanTransitionTo(status) {
		return fmt.Errorf(
			"%w: %s: %s → %s", domain.ErrIllegalTransition, pkgbase, node.Status, status,
		)
	}

	node.Status = status
	if executorRef != "" {
		node.ExecutorRef = executorRef
	}
	node.UpdatedAt = time.Now().UTC()

	switch status {
	case domain.StatusBuilt:
		promoteReadyDependents(g, pkgbase)
	case domain.StatusFailed, domain.StatusCancelled:
		blockDependents(g, pkgbase)
	}

	// persist before ringing: a poller must never observe a readiness
	// signal whose transition is not durable yet.
	if err := e.db.Iterations().UpdateGraphs(ctx, it.Id, it.BuildGraphs); err != nil {
		return err
	}
	e.metrics.transition(status)
	e.ring()

	e.logger.Printf("%s/%s (%s): %s", iterationId, pkgbase, arch, status)
	return nil
}

// RecordArtifact notes an uploaded package file on its node.
func (e *Engine) RecordArtifact(
	ctx context.Context,
	iterationId uuid.UUID,
	pkgbase domain.Pkgbase,
	arch domain.Architecture,
	fileName string,
) error {
	l := e.lockFor(iterationId)
	l.Lock()
	defer l.Unlock()

	it, err := e.db.Iterations().Get(ctx, iterationId)
	if err != nil {
		return err
	}
	g, ok := it.BuildGraphs[arch]
	if !ok {
		return fmt.Errorf("%w: no %s build graph in iteration %s", domain.ErrMissing, arch, iterationId)
	}
	node, ok := g.Nodes[pkgbase]
	if !ok {
		return fmt.Errorf("%w: %s not in %s build graph", domain.ErrMissing, pkgbase, arch)
	}

	for _, have := range node.PackageFiles {
		if have == fileName {
			return nil
		}
	}
	node.PackageFiles = append(node.PackageFiles, fileName)
	return e.db.Iterations().UpdateGraphs(ctx, it.Id, it.BuildGraphs)
}

// Release un-claims an Assigned node after a failed executor
// dispatch, putting it back to Ready for the next attempt. This is the
// only backward move in the lifecycle and never comes from executors.
func (e *Engine) Release(
	ctx context.Context,
	iterationId uuid.UUID,
	pkgbase domain.Pkgbase,
	arch domain.Architecture,
) error {
	l := e.lockFor(iterationId)
	l.Lock()
	defer l.Unlock()

	it, err := e.db.Iterations().Get(ctx, iterationId)
	if err != nil {
		return err
	}
	g, ok := it.BuildGraphs[arch]
	if !ok {
		return fmt.Errorf("%w: no %s build graph in iteration %s", domain.ErrMissing, arch, iterationId)
	}
	node, ok := g.Nodes[pkgbase]
	if !ok {
		return fmt.Errorf("%w: %s not in %s build graph", domain.ErrMissing, pkgbase, arch)
	}
	if node.Status != domain.StatusAssigned {
		return nil
	}

	node.Status = domain.StatusReady
	node.ExecutorRef = ""
	node.UpdatedAt = time.Now().UTC()
	if err := e.db.Iterations().UpdateGraphs(ctx, it.Id, it.BuildGraphs); err != nil {
		return err
	}
	e.ring()
	return nil
}

// CancelIteration marks every non-terminal node Cancelled. Used when a
// namespace is cancelled or an iteration is superseded. In-flight
// executor work is signalled externally, best-effort; nodes are
// terminal immediately regardless.
func (e *Engine) CancelIteration(ctx context.Context, iterationId uuid.UUID) error {
	l := e.lockFor(iterationId)
	l.Lock()
	defer l.Unlock()

	it, err := e.db.Iterations().Get(ctx, iterationId)
	if err != nil {
		return err
	}

	cancelled := false
	for _, g := range it.BuildGraphs {
		for _, node := range g.Nodes {
			if node.Status.Terminal() {
				continue
			}
			node.Status = domain.StatusCancelled
			node.UpdatedAt = time.Now().UTC()
			cancelled = true
			e.metrics.transition(domain.StatusCancelled)
		}
	}
	if !cancelled {
		return nil
	}

	if err := e.db.Iterations().UpdateGraphs(ctx, it.Id, it.BuildGraphs); err != nil {
		return err
	}
	e.ring()
	return nil
}

func (e *Engine) ensureCurrent(ctx context.Context, it domain.Iteration) error {
	newest, err := e.db.Iterations().Newest(ctx, it.NamespaceId)
	if err != nil {
		return err
	}
	if newest.Id != it.Id {
		return fmt.Errorf("%w: iteration %s", domain.ErrIterationSuperseded, it.Id)
	}
	return nil
}

// promoteReadyDependents moves dependents of built to Ready once all
// of their dependencies are Built.
func promoteReadyDependents(g *domain.BuildGraph, built domain.Pkgbase) {
	for _, dep := range g.Dependents(built) {
		node := g.Nodes[dep]
		if node.Status != domain.StatusPending {
			continue
		}
		ready := true
		for _, status := range g.DependencyStatuses(dep) {
			if status != domain.StatusBuilt {
				ready = false
				break
			}
		}
		if ready {
			node.Status = domain.StatusReady
			node.UpdatedAt = time.Now().UTC()
		}
	}
}

// blockDependents transitively blocks everything depending on failed.
func blockDependents(g *domain.BuildGraph, failed domain.Pkgbase) {
	for _, dep := range g.Dependents(failed) {
		node := g.Nodes[dep]
		if node.Status.Terminal() {
			continue
		}
		node.Status = domain.StatusBlocked
		node.UpdatedAt = time.Now().UTC()
		blockDependents(g, dep)
	}
}

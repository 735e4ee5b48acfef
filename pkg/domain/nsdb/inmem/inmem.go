// Package inmem provides an in-memory nsdb.Database for tests.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
)

type database struct {
	mu sync.Mutex

	namespaces map[string]domain.Namespace
	iterations map[uuid.UUID]domain.Iteration
	pipelines  []domain.Pipeline
	watermark  *time.Time

	// number of writes performed, for idempotence assertions.
	writes int
}

func New() nsdb.Database {
	return &database{
		namespaces: map[string]domain.Namespace{},
		iterations: map[uuid.UUID]domain.Iteration{},
	}
}

// Writes returns how many mutating calls the database has served.
// The forge polling watermark does not count.
func Writes(db nsdb.Database) int {
	d := db.(*database)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *database) Namespaces() nsdb.NamespaceInterface    { return (*namespaces)(d) }
func (d *database) Iterations() nsdb.IterationInterface    { return (*iterations)(d) }
func (d *database) Pipelines() nsdb.PipelineInterface      { return (*pipelines)(d) }
func (d *database) GlobalState() nsdb.GlobalStateInterface { return (*globalState)(d) }
func (d *database) Close()                                 {}

type namespaces database

func (n *namespaces) Create(ctx context.Context, name string, origins []domain.OriginChangeset) (domain.Namespace, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.namespaces[name]; ok {
		return domain.Namespace{}, fmt.Errorf("%w: %s", domain.ErrNameTaken, name)
	}
	ns := domain.Namespace{
		Id:               uuid.New(),
		Name:             name,
		OriginChangesets: origins,
		CreatedAt:        time.Now().UTC(),
		Status:           domain.NamespaceActive,
	}
	n.namespaces[name] = ns
	n.writes++
	return ns, nil
}

func (n *namespaces) List(ctx context.Context) ([]domain.Namespace, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := []domain.Namespace{}
	for _, ns := range n.namespaces {
		result = append(result, ns)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (n *namespaces) ByName(ctx context.Context, name string) (domain.Namespace, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ns, ok := n.namespaces[name]
	if !ok {
		return domain.Namespace{}, fmt.Errorf("%w: namespace %s", domain.ErrMissing, name)
	}
	return ns, nil
}

func (n *namespaces) ById(ctx context.Context, id uuid.UUID) (domain.Namespace, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ns := range n.namespaces {
		if ns.Id == id {
			return ns, nil
		}
	}
	return domain.Namespace{}, fmt.Errorf("%w: namespace %s", domain.ErrMissing, id)
}

func (n *namespaces) SetStatus(ctx context.Context, name string, status domain.NamespaceStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ns, ok := n.namespaces[name]
	if !ok {
		return fmt.Errorf("%w: namespace %s", domain.ErrMissing, name)
	}
	ns.Status = status
	n.namespaces[name] = ns
	n.writes++
	return nil
}

type iterations database

func (i *iterations) Create(ctx context.Context, it domain.Iteration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.iterations[it.Id] = cloneIteration(it)
	i.writes++
	return nil
}

func (i *iterations) Get(ctx context.Context, id uuid.UUID) (domain.Iteration, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	it, ok := i.iterations[id]
	if !ok {
		return domain.Iteration{}, fmt.Errorf("%w: iteration %s", domain.ErrMissing, id)
	}
	return cloneIteration(it), nil
}

func (i *iterations) Newest(ctx context.Context, namespaceId uuid.UUID) (domain.Iteration, error) {
	all, err := i.ListForNamespace(ctx, namespaceId)
	if err != nil {
		return domain.Iteration{}, err
	}
	if len(all) == 0 {
		return domain.Iteration{}, fmt.Errorf("%w: no iterations for %s", domain.ErrMissing, namespaceId)
	}
	return all[len(all)-1], nil
}

func (i *iterations) ListForNamespace(ctx context.Context, namespaceId uuid.UUID) ([]domain.Iteration, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := []domain.Iteration{}
	for _, it := range i.iterations {
		if it.NamespaceId == namespaceId {
			result = append(result, cloneIteration(it))
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if !result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].CreatedAt.Before(result[b].CreatedAt)
		}
		return result[a].Id.String() < result[b].Id.String()
	})
	return result, nil
}

func (i *iterations) UpdateGraphs(ctx context.Context, id uuid.UUID, graphs map[domain.Architecture]*domain.BuildGraph) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	it, ok := i.iterations[id]
	if !ok {
		return fmt.Errorf("%w: iteration %s", domain.ErrMissing, id)
	}
	it.BuildGraphs = cloneGraphs(graphs)
	i.iterations[id] = it
	i.writes++
	return nil
}

type pipelines database

func (p *pipelines) Create(ctx context.Context, pipe domain.Pipeline) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pipelines = append(p.pipelines, pipe)
	p.writes++
	return nil
}

func (p *pipelines) ByNode(
	ctx context.Context,
	iterationId uuid.UUID,
	pkgbase domain.Pkgbase,
	arch domain.Architecture,
) (domain.Pipeline, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pipe := range p.pipelines {
		if pipe.IterationId == iterationId && pipe.Pkgbase == pkgbase && pipe.Architecture == arch {
			return pipe, true, nil
		}
	}
	return domain.Pipeline{}, false, nil
}

type globalState database

func (g *globalState) GitlabLastUpdated(ctx context.Context) (*time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watermark, nil
}

func (g *globalState) SetGitlabLastUpdated(ctx context.Context, t time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watermark = &t
	return nil
}

func cloneIteration(it domain.Iteration) domain.Iteration {
	it.BuildGraphs = cloneGraphs(it.BuildGraphs)
	it.OriginChangesets = append([]domain.PinnedChangeset(nil), it.OriginChangesets...)
	return it
}

func cloneGraphs(graphs map[domain.Architecture]*domain.BuildGraph) map[domain.Architecture]*domain.BuildGraph {
	cloned := make(map[domain.Architecture]*domain.BuildGraph, len(graphs))
	for arch, g := range graphs {
		cloned[arch] = g.Clone()
	}
	return cloned
}

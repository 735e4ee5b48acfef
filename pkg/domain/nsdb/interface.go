package nsdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type NamespaceInterface interface {
	// Create persists a new active namespace.
	// Returns domain.ErrNameTaken when the name is in use.
	Create(ctx context.Context, name string, origins []domain.OriginChangeset) (domain.Namespace, error)

	List(ctx context.Context) ([]domain.Namespace, error)

	// ByName returns domain.ErrMissing when no such namespace exists.
	ByName(ctx context.Context, name string) (domain.Namespace, error)

	// ById returns domain.ErrMissing when no such namespace exists.
	ById(ctx context.Context, id uuid.UUID) (domain.Namespace, error)

	SetStatus(ctx context.Context, name string, status domain.NamespaceStatus) error
}

type IterationInterface interface {
	Create(ctx context.Context, it domain.Iteration) error

	// Get returns domain.ErrMissing when no such iteration exists.
	Get(ctx context.Context, id uuid.UUID) (domain.Iteration, error)

	// Newest returns the latest iteration of the namespace,
	// or domain.ErrMissing if it has none yet.
	Newest(ctx context.Context, namespaceId uuid.UUID) (domain.Iteration, error)

	ListForNamespace(ctx context.Context, namespaceId uuid.UUID) ([]domain.Iteration, error)

	// UpdateGraphs replaces the persisted build graphs of an iteration.
	// Node state transitions go through here before any readiness
	// signal reaches descendants.
	UpdateGraphs(ctx context.Context, id uuid.UUID, graphs map[domain.Architecture]*domain.BuildGraph) error
}

type PipelineInterface interface {
	Create(ctx context.Context, p domain.Pipeline) error

	// ByNode returns (pipeline, true, nil) when a pipeline was
	// dispatched for the node, (zero, false, nil) otherwise.
	ByNode(ctx context.Context, iterationId uuid.UUID, pkgbase domain.Pkgbase, arch domain.Architecture) (domain.Pipeline, bool, error)
}

type GlobalStateInterface interface {
	// GitlabLastUpdated returns the forge polling watermark,
	// or nil when polling has never run.
	GitlabLastUpdated(ctx context.Context) (*time.Time, error)

	SetGitlabLastUpdated(ctx context.Context, t time.Time) error
}

type Database interface {
	Namespaces() NamespaceInterface
	Iterations() IterationInterface
	Pipelines() PipelineInterface
	GlobalState() GlobalStateInterface
	Close()
}

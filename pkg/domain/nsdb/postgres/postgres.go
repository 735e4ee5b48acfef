package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
)

// New connects to the database at url and ensures the schema exists.
func New(ctx context.Context, url string) (nsdb.Database, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &database{pool: pool}, nil
}

type database struct {
	pool *pgxpool.Pool
}

func (d *database) Namespaces() nsdb.NamespaceInterface    { return &namespaces{pool: d.pool} }
func (d *database) Iterations() nsdb.IterationInterface    { return &iterations{pool: d.pool} }
func (d *database) Pipelines() nsdb.PipelineInterface      { return &pipelines{pool: d.pool} }
func (d *database) GlobalState() nsdb.GlobalStateInterface { return &globalState{pool: d.pool} }
func (d *database) Close()                                 { d.pool.Close() }

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS "build_namespaces" (
			"id" TEXT PRIMARY KEY,
			"name" TEXT NOT NULL UNIQUE,
			"origin_changesets" JSONB NOT NULL,
			"created_at" TIMESTAMP WITH TIME ZONE NOT NULL,
			"status" TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS "build_set_iterations" (
			"id" TEXT PRIMARY KEY,
			"namespace_id" TEXT NOT NULL REFERENCES "build_namespaces" ("id"),
			"created_at" TIMESTAMP WITH TIME ZONE NOT NULL,
			"origin_changesets" JSONB NOT NULL,
			"packages_to_be_built" JSONB NOT NULL,
			"create_reason" TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS "build_set_iterations_namespace"
			ON "build_set_iterations" ("namespace_id", "created_at")`,
		`CREATE TABLE IF NOT EXISTS "gitlab_pipelines" (
			"id" TEXT PRIMARY KEY,
			"build_set_iteration_id" TEXT NOT NULL REFERENCES "build_set_iterations" ("id"),
			"pkgbase" TEXT NOT NULL,
			"project_gitlab_iid" BIGINT NOT NULL,
			"gitlab_iid" BIGINT NOT NULL,
			"architecture" TEXT NOT NULL,
			"gitlab_url" TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS "gitlab_pipelines_node"
			ON "gitlab_pipelines" ("build_set_iteration_id", "pkgbase", "architecture")`,
		`CREATE TABLE IF NOT EXISTS "global_state" (
			"onerow" BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK ("onerow"),
			"gitlab_last_updated" TEXT
		)`,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type pipelines struct {
	pool *pgxpool.Pool
}

func (p *pipelines) Create(ctx context.Context, pipe domain.Pipeline) error {
	_, err := p.pool.Exec(
		ctx,
		`INSERT INTO "gitlab_pipelines"
			("id", "build_set_iteration_id", "pkgbase", "project_gitlab_iid", "gitlab_iid", "architecture", "gitlab_url")
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pipe.Id.String(), pipe.IterationId.String(), string(pipe.Pkgbase),
		pipe.ProjectIId, pipe.PipelineIId, string(pipe.Architecture), pipe.URL,
	)
	return err
}

func (p *pipelines) ByNode(
	ctx context.Context,
	iterationId uuid.UUID,
	pkgbase domain.Pkgbase,
	arch domain.Architecture,
) (domain.Pipeline, bool, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT "id", "build_set_iteration_id", "pkgbase", "project_gitlab_iid", "gitlab_iid", "architecture", "gitlab_url"
			FROM "gitlab_pipelines"
			WHERE "build_set_iteration_id" = $1 AND "pkgbase" = $2 AND "architecture" = $3`,
		iterationId.String(), string(pkgbase), string(arch),
	)

	pipe := domain.Pipeline{}
	var id, itId, base, architecture string
	err := row.Scan(&id, &itId, &base, &pipe.ProjectIId, &pipe.PipelineIId, &architecture, &pipe.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pipeline{}, false, nil
		}
		return domain.Pipeline{}, false, err
	}

	if pipe.Id, err = uuid.Parse(id); err != nil {
		return domain.Pipeline{}, false, err
	}
	if pipe.IterationId, err = uuid.Parse(itId); err != nil {
		return domain.Pipeline{}, false, err
	}
	pipe.Pkgbase = domain.Pkgbase(base)
	pipe.Architecture = domain.Architecture(architecture)
	return pipe, true, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type iterations struct {
	pool *pgxpool.Pool
}

func (i *iterations) Create(ctx context.Context, it domain.Iteration) error {
	originsJson, err := json.Marshal(it.OriginChangesets)
	if err != nil {
		return err
	}
	graphsJson, err := json.Marshal(it.BuildGraphs)
	if err != nil {
		return err
	}
	reasonJson, err := json.Marshal(it.CreateReason)
	if err != nil {
		return err
	}

	_, err = i.pool.Exec(
		ctx,
		`INSERT INTO "build_set_iterations"
			("id", "namespace_id", "created_at", "origin_changesets", "packages_to_be_built", "create_reason")
			VALUES ($1, $2, $3, $4, $5, $6)`,
		it.Id.String(), it.NamespaceId.String(), it.CreatedAt,
		originsJson, graphsJson, string(reasonJson),
	)
	return err
}

func scanIteration(row pgx.Row) (domain.Iteration, error) {
	it := domain.Iteration{}
	var id, namespaceId, reasonJson string
	var originsJson, graphsJson []byte
	err := row.Scan(&id, &namespaceId, &it.CreatedAt, &originsJson, &graphsJson, &reasonJson)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Iteration{}, domain.ErrMissing
		}
		return domain.Iteration{}, err
	}

	if it.Id, err = uuid.Parse(id); err != nil {
		return domain.Iteration{}, err
	}
	if it.NamespaceId, err = uuid.Parse(namespaceId); err != nil {
		return domain.Iteration{}, err
	}
	if err := json.Unmarshal(originsJson, &it.OriginChangesets); err != nil {
		return domain.Iteration{}, err
	}
	if err := json.Unmarshal(graphsJson, &it.BuildGraphs); err != nil {
		return domain.Iteration{}, err
	}
	if err := json.Unmarshal([]byte(reasonJson), &it.CreateReason); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}

const iterationColumns = `"id", "namespace_id", "created_at", "origin_changesets", "packages_to_be_built", "create_reason"`

func (i *iterations) Get(ctx context.Context, id uuid.UUID) (domain.Iteration, error) {
	row := i.pool.QueryRow(
		ctx,
		`SELECT `+iterationColumns+` FROM "build_set_iterations" WHERE "id" = $1`,
		id.String(),
	)
	return scanIteration(row)
}

func (i *iterations) Newest(ctx context.Context, namespaceId uuid.UUID) (domain.Iteration, error) {
	row := i.pool.QueryRow(
		ctx,
		`SELECT `+iterationColumns+` FROM "build_set_iterations"
			WHERE "namespace_id" = $1 ORDER BY "created_at" DESC, "id" DESC LIMIT 1`,
		namespaceId.String(),
	)
	return scanIteration(row)
}

func (i *iterations) ListForNamespace(ctx context.Context, namespaceId uuid.UUID) ([]domain.Iteration, error) {
	rows, err := i.pool.Query(
		ctx,
		`SELECT `+iterationColumns+` FROM "build_set_iterations"
			WHERE "namespace_id" = $1 ORDER BY "created_at", "id"`,
		namespaceId.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Iteration{}
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (i *iterations) UpdateGraphs(ctx context.Context, id uuid.UUID, graphs map[domain.Architecture]*domain.BuildGraph) error {
	graphsJson, err := json.Marshal(graphs)
	if err != nil {
		return err
	}
	tag, err := i.pool.Exec(
		ctx,
		`UPDATE "build_set_iterations" SET "packages_to_be_built" = $1 WHERE "id" = $2`,
		graphsJson, id.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: iteration %s", domain.ErrMissing, id)
	}
	return nil
}

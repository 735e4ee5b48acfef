package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archlinux/buildbtw/pkg/domain"
)

type namespaces struct {
	pool *pgxpool.Pool
}

func (n *namespaces) Create(ctx context.Context, name string, origins []domain.OriginChangeset) (domain.Namespace, error) {
	ns := domain.Namespace{
		Id:               uuid.New(),
		Name:             name,
		OriginChangesets: origins,
		CreatedAt:        time.Now().UTC(),
		Status:           domain.NamespaceActive,
	}

	originsJson, err := json.Marshal(ns.OriginChangesets)
	if err != nil {
		return domain.Namespace{}, err
	}

	_, err = n.pool.Exec(
		ctx,
		`INSERT INTO "build_namespaces" ("id", "name", "origin_changesets", "created_at", "status")
			VALUES ($1, $2, $3, $4, $5)`,
		ns.Id.String(), ns.Name, originsJson, ns.CreatedAt, string(ns.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.Namespace{}, fmt.Errorf("%w: %s", domain.ErrNameTaken, name)
		}
		return domain.Namespace{}, err
	}
	return ns, nil
}

func scanNamespace(row pgx.Row) (domain.Namespace, error) {
	ns := domain.Namespace{}
	var id, status string
	var originsJson []byte
	if err := row.Scan(&id, &ns.Name, &originsJson, &ns.CreatedAt, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Namespace{}, domain.ErrMissing
		}
		return domain.Namespace{}, err
	}

	parsedId, err := uuid.Parse(id)
	if err != nil {
		return domain.Namespace{}, err
	}
	ns.Id = parsedId

	ns.Status, err = domain.AsNamespaceStatus(status)
	if err != nil {
		return domain.Namespace{}, err
	}

	if err := json.Unmarshal(originsJson, &ns.OriginChangesets); err != nil {
		return domain.Namespace{}, err
	}
	return ns, nil
}

func (n *namespaces) List(ctx context.Context) ([]domain.Namespace, error) {
	rows, err := n.pool.Query(
		ctx,
		`SELECT "id", "name", "origin_changesets", "created_at", "status"
			FROM "build_namespaces" ORDER BY "created_at"`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Namespace{}
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ns)
	}
	return result, rows.Err()
}

func (n *namespaces) ByName(ctx context.Context, name string) (domain.Namespace, error) {
	row := n.pool.QueryRow(
		ctx,
		`SELECT "id", "name", "origin_changesets", "created_at", "status"
			FROM "build_namespaces" WHERE "name" = $1`,
		name,
	)
	return scanNamespace(row)
}

func (n *namespaces) ById(ctx context.Context, id uuid.UUID) (domain.Namespace, error) {
	row := n.pool.QueryRow(
		ctx,
		`SELECT "id", "name", "origin_changesets", "created_at", "status"
			FROM "build_namespaces" WHERE "id" = $1`,
		id.String(),
	)
	return scanNamespace(row)
}

func (n *namespaces) SetStatus(ctx context.Context, name string, status domain.NamespaceStatus) error {
	tag, err := n.pool.Exec(
		ctx,
		`UPDATE "build_namespaces" SET "status" = $1 WHERE "name" = $2`,
		string(status), name,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: namespace %s", domain.ErrMissing, name)
	}
	return nil
}

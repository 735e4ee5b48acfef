package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archlinux/buildbtw/pkg/utils/rfctime"
)

type globalState struct {
	pool *pgxpool.Pool
}

func (g *globalState) GitlabLastUpdated(ctx context.Context) (*time.Time, error) {
	var watermark *string
	err := g.pool.QueryRow(
		ctx, `SELECT "gitlab_last_updated" FROM "global_state"`,
	).Scan(&watermark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if watermark == nil {
		return nil, nil
	}

	t, err := rfctime.ParseRFC3339DateTime(*watermark)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (g *globalState) SetGitlabLastUpdated(ctx context.Context, t time.Time) error {
	_, err := g.pool.Exec(
		ctx,
		`INSERT INTO "global_state" ("onerow", "gitlab_last_updated") VALUES (TRUE, $1)
			ON CONFLICT ("onerow") DO UPDATE SET "gitlab_last_updated" = EXCLUDED."gitlab_last_updated"`,
		rfctime.FormatRFC3339DateTime(t),
	)
	return err
}

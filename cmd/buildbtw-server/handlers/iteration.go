package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	apiit "github.com/archlinux/buildbtw/pkg/api/types/iterations"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
)

// GetIterationHandler returns one iteration of a namespace, build
// graphs included.
func GetIterationHandler(db nsdb.Database) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ns, err := db.Namespaces().ByName(ctx, c.Param("name"))
		if err != nil {
			return asHTTPError(err)
		}

		iterationId, err := uuid.Parse(c.Param("iteration"))
		if err != nil {
			return apierr.BadRequest("iteration id should be a UUID", err)
		}

		it, err := db.Iterations().Get(ctx, iterationId)
		if err != nil {
			return asHTTPError(err)
		}
		if it.NamespaceId != ns.Id {
			return apierr.NotFound()
		}

		return c.JSON(http.StatusOK, apiit.ComposeDetail(it))
	}
}

// CreateIterationHandler creates a new iteration on request,
// bypassing the reconciler's change check.
func CreateIterationHandler(db nsdb.Database, rec *reconcile.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ns, err := db.Namespaces().ByName(ctx, c.Param("name"))
		if err != nil {
			return asHTTPError(err)
		}
		if ns.Status != domain.NamespaceActive {
			return apierr.Conflict("namespace is cancelled", nil)
		}

		it, err := rec.CreateIteration(ctx, ns, domain.ReasonCreatedByUser)
		if err != nil {
			return asHTTPError(err)
		}
		return c.JSON(http.StatusCreated, apiit.ComposeDetail(it))
	}
}

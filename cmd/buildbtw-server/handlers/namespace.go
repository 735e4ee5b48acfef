package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	apiit "github.com/archlinux/buildbtw/pkg/api/types/iterations"
	apins "github.com/archlinux/buildbtw/pkg/api/types/namespaces"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/utils"
)

// CreateNamespaceHandler creates a namespace and plans its first
// iteration in one request, so the client sees either a scheduled
// namespace or an error.
func CreateNamespaceHandler(db nsdb.Database, rec *reconcile.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := apins.Create{}
		if err := c.Bind(&body); err != nil {
			return apierr.BadRequest("request body should be a namespace creation", err)
		}
		if len(body.OriginChangesets) == 0 {
			return apierr.BadRequest("at least one origin changeset is required", nil)
		}

		name := body.Name
		if name == "" {
			name = body.OriginChangesets[0].Pkgbase
		}
		origins := utils.Map(body.OriginChangesets, func(o apins.Changeset) domain.OriginChangeset {
			branch := domain.BranchName(o.Branch)
			if branch == "" {
				branch = domain.DefaultBranch
			}
			return domain.OriginChangeset{Pkgbase: domain.Pkgbase(o.Pkgbase), Branch: branch}
		})

		ctx := c.Request().Context()
		ns, err := db.Namespaces().Create(ctx, name, origins)
		if err != nil {
			return asHTTPError(err)
		}

		if _, err := rec.CreateIteration(ctx, ns, domain.ReasonFirstIteration); err != nil {
			// mark the namespace cancelled so it is never reconciled;
			// its name stays taken.
			if cancelErr := db.Namespaces().SetStatus(ctx, ns.Name, domain.NamespaceCancelled); cancelErr != nil {
				c.Logger().Error(cancelErr)
			}
			return asHTTPError(err)
		}

		return c.JSON(http.StatusCreated, apins.ComposeDetail(ns))
	}
}

func ListNamespacesHandler(dbNs nsdb.NamespaceInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		namespaces, err := dbNs.List(c.Request().Context())
		if err != nil {
			return asHTTPError(err)
		}
		return c.JSON(http.StatusOK, utils.Map(namespaces, apins.ComposeDetail))
	}
}

type namespaceDetail struct {
	apins.Detail
	Iterations []apiit.Summary `json:"iterations"`
}

func GetNamespaceHandler(db nsdb.Database) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ns, err := db.Namespaces().ByName(ctx, c.Param("name"))
		if err != nil {
			return asHTTPError(err)
		}
		iterations, err := db.Iterations().ListForNamespace(ctx, ns.Id)
		if err != nil {
			return asHTTPError(err)
		}

		return c.JSON(http.StatusOK, namespaceDetail{
			Detail:     apins.ComposeDetail(ns),
			Iterations: utils.Map(iterations, apiit.ComposeSummary),
		})
	}
}

// CancelNamespaceHandler marks the namespace cancelled and terminates
// the current iteration's nodes. In-flight executor work is cancelled
// externally, best-effort.
func CancelNamespaceHandler(db nsdb.Database, engine *schedule.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ns, err := db.Namespaces().ByName(ctx, c.Param("name"))
		if err != nil {
			return asHTTPError(err)
		}

		if err := db.Namespaces().SetStatus(ctx, ns.Name, domain.NamespaceCancelled); err != nil {
			return asHTTPError(err)
		}

		newest, err := db.Iterations().Newest(ctx, ns.Id)
		if err == nil {
			if err := engine.CancelIteration(ctx, newest.Id); err != nil {
				return asHTTPError(err)
			}
		} else if !domain.IsMissing(err) {
			return asHTTPError(err)
		}

		return c.NoContent(http.StatusNoContent)
	}
}

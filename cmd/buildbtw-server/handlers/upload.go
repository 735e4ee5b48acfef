package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb"
	"github.com/archlinux/buildbtw/pkg/domain/pacmanrepo"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/utils/pointer"
	"github.com/archlinux/buildbtw/pkg/workertoken"
)

// UploadPackageHandler accepts one built package file for a node and
// publishes it in the iteration's pacman repository.
//
// The target path is derived from persisted state only: pkgbase,
// pkgname and architecture must exist in the iteration's build graph,
// and the file name is predicted from the node's metadata. Nothing
// from the request body reaches the filesystem path.
func UploadPackageHandler(
	db nsdb.Database,
	repo *pacmanrepo.Repo,
	engine *schedule.Engine,
	tokens *workertoken.Issuer,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		iterationId, err := uuid.Parse(c.Param("iteration"))
		if err != nil {
			return apierr.BadRequest("iteration id should be a UUID", err)
		}
		pkgbase := domain.Pkgbase(c.Param("pkgbase"))
		pkgname := domain.Pkgname(c.Param("pkgname"))
		arch, err := domain.AsArchitecture(c.Param("arch"))
		if err != nil {
			return apierr.BadRequest(err.Error(), err)
		}

		if err := tokens.Verify(bearerToken(c), iterationId, pkgbase, arch); err != nil {
			return apierr.Unauthorized("present the assignment token of this node")
		}

		it, err := db.Iterations().Get(ctx, iterationId)
		if err != nil {
			return asHTTPError(err)
		}
		ns, err := db.Namespaces().ById(ctx, it.NamespaceId)
		if err != nil {
			return asHTTPError(err)
		}

		g, ok := it.BuildGraphs[arch]
		if !ok {
			return apierr.NotFound()
		}
		node, ok := g.Nodes[pkgbase]
		if !ok {
			return apierr.NotFound()
		}

		var pkg *domain.SplitPackage
		for _, p := range node.Metadata.PackagesFor(arch) {
			if p.Name == pkgname {
				pkg = pointer.Ref(p)
				break
			}
		}
		if pkg == nil {
			return apierr.NotFound()
		}

		fileName := domain.PackageFileName(node.Metadata, *pkg, arch)
		if err := repo.AcceptArtifact(ns.Name, it.Id, arch, fileName, c.Request().Body); err != nil {
			return asHTTPError(err)
		}
		if err := engine.RecordArtifact(ctx, it.Id, pkgbase, arch, fileName); err != nil {
			return asHTTPError(err)
		}

		return c.NoContent(http.StatusCreated)
	}
}

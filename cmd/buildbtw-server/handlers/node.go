package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	apiworker "github.com/archlinux/buildbtw/pkg/api/types/worker"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/workertoken"
)

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return ""
	}
	return token
}

// ReportStatusHandler applies an executor's status callback.
func ReportStatusHandler(engine *schedule.Engine, tokens *workertoken.Issuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		iterationId, err := uuid.Parse(c.Param("iteration"))
		if err != nil {
			return apierr.BadRequest("iteration id should be a UUID", err)
		}
		pkgbase := domain.Pkgbase(c.Param("pkgbase"))
		arch, err := domain.AsArchitecture(c.Param("arch"))
		if err != nil {
			return apierr.BadRequest(err.Error(), err)
		}

		if err := tokens.Verify(bearerToken(c), iterationId, pkgbase, arch); err != nil {
			return apierr.Unauthorized("present the assignment token of this node")
		}

		body := apiworker.StatusReport{}
		if err := c.Bind(&body); err != nil {
			return apierr.BadRequest("request body should be a status report", err)
		}
		status, err := domain.AsBuildStatus(body.Status)
		if err != nil {
			return apierr.BadRequest(err.Error(), err)
		}
		switch status {
		case domain.StatusBuilding, domain.StatusBuilt, domain.StatusFailed:
		default:
			return apierr.BadRequest(`executors report "building", "built" or "failed"`, nil)
		}

		err = engine.Report(c.Request().Context(), iterationId, pkgbase, arch, status, body.ExecutorRef)
		if err != nil {
			return asHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// AssignmentHandler is the worker long-poll: it blocks until a node is
// ready to claim, then answers with the build context and a token.
// 204 means nothing was claimable within the wait.
func AssignmentHandler(
	engine *schedule.Engine,
	tokens *workertoken.Issuer,
	maxWait time.Duration,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		workerName := c.QueryParam("worker")
		if workerName == "" {
			workerName = c.RealIP()
		}

		assignment, err := engine.NextAssignment(c.Request().Context(), workerName, maxWait)
		if err != nil {
			return asHTTPError(err)
		}
		if assignment == nil {
			return c.NoContent(http.StatusNoContent)
		}

		token, err := tokens.Sign(assignment.IterationId, assignment.Pkgbase, assignment.Architecture)
		if err != nil {
			return asHTTPError(err)
		}

		return c.JSON(http.StatusOK, apiworker.Assignment{
			NamespaceName: assignment.NamespaceName,
			IterationId:   assignment.IterationId.String(),
			Pkgbase:       string(assignment.Pkgbase),
			Branch:        string(assignment.Branch),
			Commit:        string(assignment.Commit),
			Architecture:  string(assignment.Architecture),
			Metadata:      assignment.Metadata,
			Token:         token,
		})
	}
}

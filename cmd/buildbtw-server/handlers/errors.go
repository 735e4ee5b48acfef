package handlers

import (
	"errors"

	"github.com/labstack/echo/v4"

	apierr "github.com/archlinux/buildbtw/pkg/api/types/errors"
	"github.com/archlinux/buildbtw/pkg/domain"
)

// asHTTPError maps domain error kinds onto API error responses.
func asHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrNameTaken):
		return apierr.Conflict("namespace name already taken", err)
	case errors.Is(err, domain.ErrIllegalTransition):
		return apierr.Conflict("illegal build status transition", err)
	case errors.Is(err, domain.ErrIterationSuperseded):
		return apierr.Conflict("iteration superseded; abandon this work", err)
	case errors.Is(err, domain.ErrOriginUnknown),
		errors.Is(err, domain.ErrBranchMissing),
		errors.Is(err, domain.ErrMetadataInvalid):
		return apierr.BadRequest(err.Error(), err)
	case domain.IsMissing(err):
		return apierr.NotFound()
	default:
		return apierr.InternalServerError(err)
	}
}

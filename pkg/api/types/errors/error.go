package errors

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorMessage is the JSON body of every error response.
type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`
	Cause  error  `json:"-"`
}

func (e ErrorMessage) Error() string {
	msg := e.Reason
	if e.Advice != "" {
		msg += "\n" + e.Advice
	}
	if e.Cause != nil {
		msg += "\n caused by: " + e.Cause.Error()
	}
	return msg
}

func (e ErrorMessage) Unwrap() error {
	return e.Cause
}

func newError(code int, reason string, advice string, err error) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason, Advice: advice, Cause: err}
	return echo.NewHTTPError(code, msg).SetInternal(msg)
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return newError(http.StatusBadRequest, "bad request", advice, err)
}

func NotFound() *echo.HTTPError {
	return newError(http.StatusNotFound, "not found", "", nil)
}

func Conflict(reason string, err error) *echo.HTTPError {
	return newError(http.StatusConflict, reason, "", err)
}

func Unauthorized(advice string) *echo.HTTPError {
	return newError(http.StatusUnauthorized, "unauthorized", advice, nil)
}

func InternalServerError(err error) *echo.HTTPError {
	return newError(http.StatusInternalServerError, "something wrong in server", "", err)
}

func ServiceUnavailable(advice string, err error) *echo.HTTPError {
	return newError(http.StatusServiceUnavailable, "service unavailable temporarily", advice, err)
}

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/session"
)

// Kinds reported for errors outside the pipeline taxonomy
const (
	kindBadRequest = "BadRequest"
	kindNotFound   = "NotFound"
	kindInternal   = "internal"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// requestError is a client error detected before the pipeline runs
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &requestError{err: fmt.Errorf(format, args...)}
}

// classify maps err to its HTTP status and kind
func classify(err error) (int, string) {
	var reqErr *requestError
	var httpErr *echo.HTTPError

	switch kind := models.Kind(err); kind {
	case "UnsupportedYear", "InvalidClassifier", "NoTrainingData":
		return http.StatusBadRequest, kind
	case "GeometryMismatch":
		return http.StatusConflict, kind
	case "CompositeUnavailable", "RemoteEngineError":
		return http.StatusBadGateway, kind
	}

	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, kindBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.As(err, &httpErr):
		if httpErr.Code == http.StatusNotFound {
			return httpErr.Code, kindNotFound
		}
		if httpErr.Code < http.StatusInternalServerError {
			return httpErr.Code, kindBadRequest
		}
		return httpErr.Code, kindInternal
	}
	return http.StatusInternalServerError, kindInternal
}

// fail writes err as an ErrorResponse
func fail(c echo.Context, err error) error {
	status, kind := classify(err)
	msg := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg = fmt.Sprint(httpErr.Message)
	}

	if status >= http.StatusInternalServerError {
		logger.Error("API %s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
	} else {
		logger.Debug("API %s %s rejected: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	return c.JSON(status, ErrorResponse{Error: msg, Kind: kind})
}

// handleHTTPError renders errors raised outside handlers (unknown routes,
// body limits, panics) in the same shape as handler errors
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if werr := fail(c, err); werr != nil {
		logger.Warn("Failed to write error response: %v", werr)
	}
}

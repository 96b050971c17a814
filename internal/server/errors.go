package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/registry"
	"g4f-bridge/internal/router"
)

const (
	detailUpstream = "Error occurred while processing the completion request."
	detailInternal = "An internal server error occurred. Please try again later."
)

// requestError is rendered as {"detail": Detail}. Cause is only logged.
type requestError struct {
	Status int
	Detail string
	Cause  error
}

func (e requestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Cause)
	}
	return e.Detail
}

func (e requestError) Unwrap() error {
	return e.Cause
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(c echo.Context, status int, detail string) error {
	return c.JSON(status, errorBody{Detail: detail})
}

func detailErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Detail)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		_ = writeError(c, he.Code, detail)
		return
	}

	slog.Error("unhandled error", "method", c.Request().Method, "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, detailInternal)
}

// completionError classifies a failure of the chat completion pipeline,
// logs it and returns the client-facing error with its metrics outcome.
func completionError(model string, err error) (requestError, string) {
	switch {
	case errors.Is(err, registry.ErrUnknownModel):
		detail := fmt.Sprintf("Model '%s' is not available.", model)
		slog.Warn("rejected completion request", "model", model, "err", err)
		return requestError{Status: http.StatusBadRequest, Detail: detail, Cause: err}, metrics.OutcomeBadModel
	case errors.Is(err, registry.ErrNoProvider):
		detail := fmt.Sprintf("No provider found for model '%s'.", model)
		slog.Error("model has no provider assignment", "model", model, "err", err)
		return requestError{Status: http.StatusInternalServerError, Detail: detail, Cause: err}, metrics.OutcomeConfig
	case errors.Is(err, router.ErrUpstream):
		slog.Error("upstream completion failed", "model", model, "err", err)
		return requestError{Status: http.StatusInternalServerError, Detail: detailUpstream, Cause: err}, metrics.OutcomeUpstream
	case errors.Is(err, context.Canceled):
		slog.Info("client went away before completion finished", "model", model)
		return requestError{Status: http.StatusInternalServerError, Detail: detailInternal, Cause: err}, metrics.OutcomeCanceled
	default:
		slog.Error("completion request failed", "model", model, "err", err)
		return requestError{Status: http.StatusInternalServerError, Detail: detailInternal, Cause: err}, metrics.OutcomeInternal
	}
}

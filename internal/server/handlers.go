package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/router"
	"g4f-bridge/internal/translator"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.NewModelList(s.router.Models()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		slog.Error("read request body", "err", err)
		return requestError{Status: http.StatusInternalServerError, Detail: detailInternal, Cause: err}
	}

	req, err := translator.ParseChatCompletionRequest(body)
	if err != nil {
		slog.Error("decode chat completion request", "err", err)
		return requestError{Status: http.StatusInternalServerError, Detail: detailInternal, Cause: err}
	}

	ctx := c.Request().Context()

	fragments, providerName, err := s.router.Complete(ctx, req.ToCompletion())
	if err != nil {
		return s.failCompletion(req, providerName, err)
	}

	if req.Stream {
		return s.streamCompletion(c, req, providerName, fragments)
	}

	content, err := router.Collect(ctx, fragments)
	if err != nil {
		return s.failCompletion(req, providerName, err)
	}

	s.metrics.ObserveCompletion(req.Model, providerName, false, metrics.OutcomeOK)
	return c.JSON(http.StatusOK, translator.NewChatCompletion(req.Model, time.Now().Unix(), content))
}

func (s *Server) failCompletion(req translator.ChatCompletionRequest, providerName string, err error) error {
	reqErr, outcome := completionError(req.Model, err)
	if outcome == metrics.OutcomeUpstream {
		s.metrics.ObserveUpstreamError(providerName)
	}
	model := req.Model
	if outcome == metrics.OutcomeBadModel {
		model = metrics.UnknownModel
	}
	s.metrics.ObserveCompletion(model, providerName, req.Stream, outcome)
	return reqErr
}

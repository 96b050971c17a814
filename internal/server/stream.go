package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/models"
	"g4f-bridge/internal/router"
	"g4f-bridge/internal/translator"
)

const sseDone = "[DONE]"

// streamCompletion forwards fragments as chat.completion.chunk events.
//
// Headers are committed only once the first fragment (or the end of the
// source) has arrived, so a failure on the first pull is still reported as a
// plain 500. A failure after that truncates the stream: no stop chunk and no
// [DONE] sentinel are written.
func (s *Server) streamCompletion(c echo.Context, req translator.ChatCompletionRequest, providerName string, fragments <-chan models.Fragment) error {
	ctx := c.Request().Context()

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status: http.StatusInternalServerError,
			Detail: detailInternal,
		}
	}

	first, more, err := nextFragment(ctx, fragments)
	if err != nil {
		return s.failCompletion(req, providerName, err)
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	send := func(payload any) error {
		if err := writeSSEData(writer, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for more {
		if err := send(translator.NewContentChunk(req.Model, time.Now().Unix(), first)); err != nil {
			slog.Warn("client stream write failed", "model", req.Model, "err", err)
			s.metrics.ObserveCompletion(req.Model, providerName, true, metrics.OutcomeInternal)
			return nil
		}
		s.metrics.ObserveFragment(req.Model)

		first, more, err = nextFragment(ctx, fragments)
		if err != nil {
			_ = s.failCompletion(req, providerName, err)
			slog.Warn("stream truncated", "model", req.Model, "provider", providerName)
			return nil
		}
	}

	if err := send(translator.NewStopChunk(req.Model, time.Now().Unix())); err != nil {
		slog.Warn("client stream write failed", "model", req.Model, "err", err)
		return nil
	}
	if err := writeSSEData(writer, sseDone); err != nil {
		slog.Warn("client stream write failed", "model", req.Model, "err", err)
		return nil
	}
	flusher.Flush()

	s.metrics.ObserveCompletion(req.Model, providerName, true, metrics.OutcomeOK)
	return nil
}

// nextFragment waits for the next fragment. more is false once the source is
// exhausted; err carries an upstream failure or the request's cancellation.
func nextFragment(ctx context.Context, fragments <-chan models.Fragment) (text string, more bool, err error) {
	select {
	case frag, ok := <-fragments:
		if !ok {
			return "", false, nil
		}
		if frag.Err != nil {
			return "", false, fmt.Errorf("%w: %w", router.ErrUpstream, frag.Err)
		}
		return frag.Text, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// writeSSEData writes one "data: ..." frame. Strings are written verbatim,
// anything else is JSON encoded.
func writeSSEData(w io.Writer, payload any) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal SSE payload: %w", err)
		}
		data = encoded
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

// Package hub routes completion requests to the backend configured for each
// provider name.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/models"
	"g4f-bridge/internal/provider"
	claudeProvider "g4f-bridge/internal/provider/claude"
	openaiProvider "g4f-bridge/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultHeaderTimeout   = 60 * time.Second
)

// Hub implements provider.Aggregator over a fixed set of backends.
type Hub struct {
	backends map[string]provider.Backend
}

// New builds a hub from already constructed backends.
func New(backends ...provider.Backend) (*Hub, error) {
	h := &Hub{backends: make(map[string]provider.Backend, len(backends))}
	for _, b := range backends {
		if b == nil {
			return nil, errors.New("backend must not be nil")
		}
		if _, exists := h.backends[b.Name()]; exists {
			return nil, fmt.Errorf("provider %q already registered", b.Name())
		}
		h.backends[b.Name()] = b
	}
	return h, nil
}

// FromConfig constructs one backend per configured provider, choosing the
// implementation by api_style.
func FromConfig(providers map[string]config.ProviderConfig, client *http.Client) (*Hub, error) {
	if client == nil {
		client = NewHTTPClient()
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	backends := make([]provider.Backend, 0, len(names))
	for _, name := range names {
		cfg := providers[name]

		var (
			backend provider.Backend
			err     error
		)
		switch cfg.APIStyle {
		case config.APIStyleOpenAI:
			backend, err = openaiProvider.New(name, cfg, client)
		case config.APIStyleClaude:
			backend, err = claudeProvider.New(name, cfg, client)
		default:
			return nil, fmt.Errorf("provider %s: unsupported api_style %q", name, cfg.APIStyle)
		}
		if err != nil {
			return nil, fmt.Errorf("initialise provider %s: %w", name, err)
		}
		backends = append(backends, backend)
	}

	return New(backends...)
}

// Complete dispatches to the backend named by req.Provider.
func (h *Hub) Complete(ctx context.Context, req models.CompletionRequest) (<-chan models.Fragment, error) {
	backend, ok := h.backends[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, req.Provider)
	}
	return backend.Complete(ctx, req)
}

// Has reports whether a backend is configured for name.
func (h *Hub) Has(name string) bool {
	_, ok := h.backends[name]
	return ok
}

// NewHTTPClient returns the client shared by all backends. No overall
// timeout is set so long streams are not cut; only the wait for response
// headers is bounded.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}

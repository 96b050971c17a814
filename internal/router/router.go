package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"g4f-bridge/internal/models"
	"g4f-bridge/internal/provider"
	"g4f-bridge/internal/registry"
)

// ErrUpstream marks failures raised by the aggregation layer.
var ErrUpstream = errors.New("upstream completion failed")

// Router resolves models to providers and dispatches to the aggregator.
type Router struct {
	registry   *registry.Registry
	aggregator provider.Aggregator
}

// New constructs a router backed by the provided registry and aggregator.
func New(reg *registry.Registry, agg provider.Aggregator) *Router {
	return &Router{
		registry:   reg,
		aggregator: agg,
	}
}

// Models returns the advertised model table.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}

// Complete resolves the provider for req.Model and starts the completion.
// Registry errors are returned unchanged; aggregator errors wrap ErrUpstream.
func (r *Router) Complete(ctx context.Context, req models.CompletionRequest) (<-chan models.Fragment, string, error) {
	providerName, err := r.registry.ResolveProvider(req.Model)
	if err != nil {
		return nil, "", err
	}

	routed := req
	routed.Provider = providerName
	routed.Options = cloneOptions(req.Options)

	fragments, err := r.aggregator.Complete(ctx, routed)
	if err != nil {
		return nil, providerName, fmt.Errorf("%w: provider %s: %w", ErrUpstream, providerName, err)
	}
	return fragments, providerName, nil
}

// Collect drains fragments and concatenates them in emission order.
func Collect(ctx context.Context, fragments <-chan models.Fragment) (string, error) {
	var builder strings.Builder
	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				return builder.String(), nil
			}
			if frag.Err != nil {
				return "", fmt.Errorf("%w: %w", ErrUpstream, frag.Err)
			}
			builder.WriteString(frag.Text)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func cloneOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}

// Package registry holds the advertised model table and its provider assignments.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"g4f-bridge/internal/models"
)

// ErrUnknownModel indicates the requested model is not advertised.
var ErrUnknownModel = errors.New("unknown model")

// ErrNoProvider indicates an advertised model has no provider assignment.
var ErrNoProvider = errors.New("no provider assigned")

// ErrDuplicateModel indicates the same model id was listed twice.
var ErrDuplicateModel = errors.New("model already registered")

// Registry is the read-only model table. It is built once and safe for
// concurrent use without locking.
type Registry struct {
	models    []models.Model
	providers map[string]string
}

// New builds a registry from the ordered model list. An empty Provider is
// allowed here; lookups for such a model fail with ErrNoProvider.
func New(list []models.Model) (*Registry, error) {
	r := &Registry{
		models:    make([]models.Model, 0, len(list)),
		providers: make(map[string]string, len(list)),
	}

	for _, model := range list {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			return nil, errors.New("model id must not be empty")
		}
		if _, exists := r.providers[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, id)
		}

		provider := strings.TrimSpace(model.Provider)
		r.models = append(r.models, models.Model{ID: id, Provider: provider})
		r.providers[id] = provider
	}

	return r, nil
}

// Models returns the advertised models in configuration order.
func (r *Registry) Models() []models.Model {
	result := make([]models.Model, len(r.models))
	copy(result, r.models)
	return result
}

// Advertised reports whether id is part of the advertised set.
func (r *Registry) Advertised(id string) bool {
	_, ok := r.providers[id]
	return ok
}

// ResolveProvider returns the provider serving id.
func (r *Registry) ResolveProvider(id string) (string, error) {
	provider, ok := r.providers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if provider == "" {
		return "", fmt.Errorf("%w: %s", ErrNoProvider, id)
	}
	return provider, nil
}

// Providers returns the distinct provider names referenced by the table.
func (r *Registry) Providers() []string {
	seen := make(map[string]struct{}, len(r.models))
	var out []string
	for _, model := range r.models {
		if model.Provider == "" {
			continue
		}
		if _, ok := seen[model.Provider]; ok {
			continue
		}
		seen[model.Provider] = struct{}{}
		out = append(out, model.Provider)
	}
	return out
}

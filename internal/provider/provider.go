package provider

import (
	"context"
	"encoding/json"
	"errors"

	"g4f-bridge/internal/models"
)

// ErrUnknownProvider indicates no backend is configured for a provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnsupportedOperation indicates the backend cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Aggregator produces completion text for a model/provider pair.
//
// The returned channel yields fragments in emission order and is closed once
// the source is exhausted. A fragment carrying Err is always the last one.
// Cancelling ctx stops the producer.
type Aggregator interface {
	Complete(ctx context.Context, req models.CompletionRequest) (<-chan models.Fragment, error)
}

// Backend is an Aggregator bound to one upstream provider.
type Backend interface {
	Aggregator
	Name() string
}

// Send delivers frag unless ctx is done first.
func Send(ctx context.Context, out chan<- models.Fragment, frag models.Fragment) bool {
	select {
	case out <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}

// FloatOption reads a numeric sampling option.
func FloatOption(options map[string]any, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}

	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// IntOption reads an integer sampling option.
func IntOption(options map[string]any, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

// StringSliceOption reads a list-of-strings option such as stop sequences.
func StringSliceOption(options map[string]any, key string) ([]string, bool) {
	if options == nil {
		return nil, false
	}
	value, ok := options[key]
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

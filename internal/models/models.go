package models

import "encoding/json"

// Model identifies an advertised model and the provider that serves it.
type Model struct {
	ID       string
	Provider string
}

// Message represents a single conversational message once decoded by a backend.
type Message struct {
	Role    string
	Content string
	Name    string
}

// CompletionRequest is what the router hands to the aggregation layer.
// Messages stay in their raw client form; backends decode them as needed.
type CompletionRequest struct {
	Model    string
	Provider string
	Messages json.RawMessage
	Stream   bool
	Options  map[string]any
}

// Fragment is one piece of generated text in emission order. A fragment with
// a non-nil Err is terminal: the producer closes the channel right after it.
type Fragment struct {
	Text string
	Err  error
}

package translator

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"g4f-bridge/internal/models"
)

const (
	// DefaultModel is used when a request omits "model".
	DefaultModel = "gpt-4o-mini"

	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"
	objectModel               = "model"
	objectList                = "list"
	modelOwner                = "organization-owner"
	roleAssistant             = "assistant"
	finishReasonStop          = "stop"
)

var errInvalidJSON = errors.New("request body is not valid JSON")

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Only Model, Messages and Stream drive behaviour; the sampling fields are
// accepted for compatibility and, except for n, forwarded when the client set
// them.
type ChatCompletionRequest struct {
	Model            string
	Messages         json.RawMessage
	Stream           bool
	Temperature      float64
	TopP             float64
	N                int
	MaxTokens        *int
	Stop             []string
	FrequencyPenalty float64
	PresencePenalty  float64

	// Options holds the sampling parameters the client supplied explicitly.
	Options map[string]any
}

// ParseChatCompletionRequest reads the request body, applying OpenAI defaults
// for absent fields. Messages are kept verbatim and not validated.
func ParseChatCompletionRequest(body []byte) (ChatCompletionRequest, error) {
	if !gjson.ValidBytes(body) {
		return ChatCompletionRequest{}, errInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ChatCompletionRequest{}, errors.New("request body must be a JSON object")
	}

	req := ChatCompletionRequest{
		Model:       DefaultModel,
		Temperature: 1.0,
		TopP:        1.0,
		N:           1,
		Options:     make(map[string]any),
	}

	// An explicit null is kept as an empty id, which no registry advertises.
	if v := root.Get("model"); v.Exists() {
		req.Model = v.String()
	}
	if v := root.Get("messages"); v.Exists() {
		req.Messages = json.RawMessage(v.Raw)
	}
	req.Stream = root.Get("stream").Bool()

	if v := root.Get("temperature"); v.Type == gjson.Number {
		req.Temperature = v.Float()
		req.Options["temperature"] = req.Temperature
	}
	if v := root.Get("top_p"); v.Type == gjson.Number {
		req.TopP = v.Float()
		req.Options["top_p"] = req.TopP
	}
	// n is accepted but never forwarded: responses carry a single choice.
	if v := root.Get("n"); v.Type == gjson.Number {
		req.N = int(v.Int())
	}
	if v := root.Get("max_tokens"); v.Type == gjson.Number {
		maxTokens := int(v.Int())
		req.MaxTokens = &maxTokens
		req.Options["max_tokens"] = maxTokens
	}
	if v := root.Get("frequency_penalty"); v.Type == gjson.Number {
		req.FrequencyPenalty = v.Float()
		req.Options["frequency_penalty"] = req.FrequencyPenalty
	}
	if v := root.Get("presence_penalty"); v.Type == gjson.Number {
		req.PresencePenalty = v.Float()
		req.Options["presence_penalty"] = req.PresencePenalty
	}
	if stop := parseStop(root.Get("stop")); len(stop) > 0 {
		req.Stop = stop
		req.Options["stop"] = stop
	}

	return req, nil
}

// ToCompletion converts the request into the aggregation-layer form.
func (r ChatCompletionRequest) ToCompletion() models.CompletionRequest {
	options := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		options[k] = v
	}
	return models.CompletionRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Stream:   r.Stream,
		Options:  options,
	}
}

// parseStop accepts a single string or an array of strings; other shapes are ignored.
func parseStop(v gjson.Result) []string {
	switch {
	case v.Type == gjson.String:
		if v.String() == "" {
			return nil
		}
		return []string{v.String()}
	case v.IsArray():
		var out []string
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return nil
			}
			out = append(out, item.String())
		}
		return out
	}
	return nil
}

// NewCompletionID returns a fresh OpenAI-style completion identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
	Index        int         `json:"index"`
}

// ChatMessage is the assistant message returned to the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses. Token
// accounting is not available from the aggregation layer, so it stays zero.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewChatCompletion builds the non-streaming response for content.
func NewChatCompletion(modelID string, createdUnix int64, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  objectChatCompletion,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{
			{
				Message: ChatMessage{
					Role:    roleAssistant,
					Content: content,
				},
				FinishReason: finishReasonStop,
				Index:        0,
			},
		},
	}
}

// ChatCompletionChunk is one streamed event.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries an incremental delta. FinishReason is null until the
// terminal chunk.
type ChunkChoice struct {
	Delta        ChunkDelta `json:"delta"`
	Index        int        `json:"index"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta serialises as {} when Content is nil.
type ChunkDelta struct {
	Content *string `json:"content,omitempty"`
}

// NewContentChunk wraps one upstream fragment.
func NewContentChunk(modelID string, createdUnix int64, fragment string) ChatCompletionChunk {
	content := fragment
	return newChunk(modelID, createdUnix, ChunkDelta{Content: &content}, nil)
}

// NewStopChunk is the terminal chunk with an empty delta.
func NewStopChunk(modelID string, createdUnix int64) ChatCompletionChunk {
	reason := finishReasonStop
	return newChunk(modelID, createdUnix, ChunkDelta{}, &reason)
}

func newChunk(modelID string, createdUnix int64, delta ChunkDelta, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      NewCompletionID(),
		Object:  objectChatCompletionChunk,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChunkChoice{
			{
				Delta:        delta,
				Index:        0,
				FinishReason: finishReason,
			},
		},
	}
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Data   []ModelObject `json:"data"`
	Object string        `json:"object"`
}

// ModelObject describes one advertised model.
type ModelObject struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Permission []any  `json:"permission"`
}

// NewModelList renders the registry table in order.
func NewModelList(list []models.Model) ModelList {
	data := make([]ModelObject, 0, len(list))
	for _, m := range list {
		data = append(data, ModelObject{
			ID:         m.ID,
			Object:     objectModel,
			Created:    0,
			OwnedBy:    modelOwner,
			Permission: []any{},
		})
	}
	return ModelList{Data: data, Object: objectList}
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/models"
	"g4f-bridge/internal/provider"
	"g4f-bridge/internal/provider/sse"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "g4f-bridge/0.1"
)

// Provider talks to an OpenAI-compatible chat completions endpoint.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	modelMap map[string]string
	client   *http.Client
	chatURL  string
}

// New creates a new OpenAI-style backend.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		modelMap: cfg.ModelMap,
		client:   client,
		chatURL:  baseURL + "/chat/completions",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Complete issues the upstream request and returns its text as fragments.
// The request itself happens before Complete returns, so connection failures
// and upstream error statuses are reported synchronously.
func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (<-chan models.Fragment, error) {
	payload := buildChatPayload(p.upstreamModel(req.Model), req)

	httpReq, err := p.newRequest(ctx, payload, req.Stream)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat request failed: %w", p.name, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(p.name, httpResp)
	}

	out := make(chan models.Fragment)
	if req.Stream {
		go p.pumpStream(ctx, httpResp.Body, out)
	} else {
		go p.pumpSingle(ctx, httpResp.Body, out)
	}
	return out, nil
}

func (p *Provider) pumpSingle(ctx context.Context, body io.ReadCloser, out chan<- models.Fragment) {
	defer close(out)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("read %s response: %w", p.name, err)})
		return
	}

	if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
		provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s error: %s", p.name, msg.String())})
		return
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !gjson.GetBytes(data, "choices.0").Exists() {
		provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s response did not include choices", p.name)})
		return
	}
	if text := content.String(); text != "" {
		provider.Send(ctx, out, models.Fragment{Text: text})
	}
}

func (p *Provider) pumpStream(ctx context.Context, body io.ReadCloser, out chan<- models.Fragment) {
	defer close(out)
	defer body.Close()

	dec := sse.NewDecoder(body)
	for {
		data, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("read %s stream: %w", p.name, err)})
			return
		}

		data = bytes.TrimSpace(data)
		if bytes.Equal(data, sse.Done) {
			return
		}
		if !gjson.ValidBytes(data) {
			provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s sent malformed stream chunk", p.name)})
			return
		}
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s stream error: %s", p.name, msg.String())})
			return
		}

		choice := gjson.GetBytes(data, "choices.0")
		if idx := choice.Get("index"); idx.Exists() && idx.Int() != 0 {
			continue
		}
		text := choice.Get("delta.content").String()
		if text == "" {
			continue
		}
		if !provider.Send(ctx, out, models.Fragment{Text: text}) {
			return
		}
	}
}

func (p *Provider) upstreamModel(model string) string {
	if mapped, ok := p.modelMap[model]; ok {
		return mapped
	}
	return model
}

func (p *Provider) newRequest(ctx context.Context, payload any, stream bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if stream {
		req.Header.Set("Accept", contentTypeSSE)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model            string          `json:"model"`
	Messages         json.RawMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
}

func buildChatPayload(model string, req models.CompletionRequest) chatPayload {
	messages := req.Messages
	if len(messages) == 0 {
		messages = json.RawMessage("null")
	}

	payload := chatPayload{
		Model:    model,
		Messages: messages,
		Stream:   req.Stream,
	}

	if v, ok := provider.IntOption(req.Options, "max_tokens"); ok {
		payload.MaxTokens = &v
	}
	if v, ok := provider.FloatOption(req.Options, "temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := provider.FloatOption(req.Options, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := provider.FloatOption(req.Options, "frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := provider.FloatOption(req.Options, "presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := provider.StringSliceOption(req.Options, "stop"); ok {
		payload.Stop = stop
	}

	return payload
}

func parseAPIError(name string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s error status %d and failed to read body: %w", name, resp.StatusCode, err)
	}

	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return fmt.Errorf("%s error (%s): %s", name, gjson.GetBytes(body, "error.type").String(), msg.String())
	}

	return fmt.Errorf("%s error status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
}

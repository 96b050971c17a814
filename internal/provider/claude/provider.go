package claude

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
	contentTypeJSON  = "application/json"
	userAgent        = "g4f-bridge/0.1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider implements Anthropic Messages API interactions.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	modelMap map[string]string
	client   *http.Client
	messages string
}

// New constructs a Claude-style backend.
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
		messages: baseURL + "/v1/messages",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Complete sends the conversation upstream. Messages that cannot be mapped
// onto the Messages API fail here, before any request is made.
func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (<-chan models.Fragment, error) {
	payload, err := buildMessagePayload(p.upstreamModel(req.Model), req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s messages request failed: %w", p.name, err)
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

	var resp messageResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("decode %s response: %w", p.name, err)})
		return
	}

	text, err := resp.text()
	if err != nil {
		provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s: %w", p.name, err)})
		return
	}
	if text != "" {
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
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("read %s stream: %w", p.name, err)})
			return
		}

		event := gjson.ParseBytes(data)
		switch event.Get("type").String() {
		case "content_block_delta":
			text := event.Get("delta.text").String()
			if text == "" {
				continue
			}
			if !provider.Send(ctx, out, models.Fragment{Text: text}) {
				return
			}
		case "error":
			provider.Send(ctx, out, models.Fragment{Err: fmt.Errorf("%s stream error: %s", p.name, event.Get("error.message").String())})
			return
		case "message_stop":
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

func (p *Provider) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messages, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("anthropic-version", apiVersion)
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func buildMessagePayload(model string, req models.CompletionRequest) (messagePayload, error) {
	var inbound []inboundMessage
	if err := json.Unmarshal(req.Messages, &inbound); err != nil {
		return messagePayload{}, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]message, 0, len(inbound))
	var systemParts []string

	for i, msg := range inbound {
		text, err := extractMessageContent(msg.Content)
		if err != nil {
			return messagePayload{}, fmt.Errorf("message[%d]: %w", i, err)
		}

		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			if strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
		case "user", "assistant":
			messages = append(messages, message{
				Role:    role,
				Content: []contentBlock{{Type: "text", Text: text}},
			})
		default:
			return messagePayload{}, fmt.Errorf("message[%d]: role %q is not supported", i, msg.Role)
		}
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("request requires at least one user message")
	}

	maxTokens, ok := provider.IntOption(req.Options, "max_tokens")
	if !ok || maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messagePayload{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    req.Stream,
	}

	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}
	if v, ok := provider.FloatOption(req.Options, "temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := provider.FloatOption(req.Options, "top_p"); ok {
		payload.TopP = &v
	}
	if stops, ok := provider.StringSliceOption(req.Options, "stop"); ok {
		payload.StopSequences = stops
	}

	return payload, nil
}

// extractMessageContent accepts plain string content or an array of text parts.
func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", errors.New("unsupported content structure")
	}

	var builder strings.Builder
	for _, segment := range segments {
		if segment.Type != "text" {
			return "", fmt.Errorf("content part type %q is not supported", segment.Type)
		}
		builder.WriteString(segment.Text)
	}
	return builder.String(), nil
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
}

func (r messageResponse) text() (string, error) {
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type != "text" {
			return "", fmt.Errorf("unsupported content block type %q", block.Type)
		}
		text.WriteString(block.Text)
	}
	return text.String(), nil
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

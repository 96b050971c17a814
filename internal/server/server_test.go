package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/models"
	"g4f-bridge/internal/provider"
	"g4f-bridge/internal/registry"
	"g4f-bridge/internal/router"
)

type stubAggregator struct {
	mu        sync.Mutex
	fragments []models.Fragment
	err       error
	panicMsg  string
	calls     []models.CompletionRequest
}

func (s *stubAggregator) Complete(_ context.Context, req models.CompletionRequest) (<-chan models.Fragment, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, s.err
	}

	ch := make(chan models.Fragment, len(s.fragments))
	for _, f := range s.fragments {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func (s *stubAggregator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func textFragments(texts ...string) []models.Fragment {
	out := make([]models.Fragment, 0, len(texts))
	for _, t := range texts {
		out = append(out, models.Fragment{Text: t})
	}
	return out
}

func newTestServer(t *testing.T, apiKey string, agg *stubAggregator) *Server {
	t.Helper()

	table := append(registry.Defaults(), models.Model{ID: "orphan-model"})
	reg, err := registry.New(table)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.APIKey = apiKey

	srv, err := New(cfg, router.New(reg, agg), metrics.New())
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, body, auth string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// sseEvents splits a text/event-stream body into its data payloads.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		events = append(events, strings.TrimPrefix(frame, "data: "))
	}
	return events
}

func helloBody(stream bool) string {
	return fmt.Sprintf(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":%t}`, stream)
}

func TestNewRequiresRouter(t *testing.T) {
	_, err := New(config.Default(), nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "secret", &stubAggregator{})

	rec := doRequest(srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, "", &stubAggregator{})

	rec := doRequest(srv, http.MethodGet, "/v1/models", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data []struct {
			ID         string `json:"id"`
			Object     string `json:"object"`
			Created    int64  `json:"created"`
			OwnedBy    string `json:"owned_by"`
			Permission []any  `json:"permission"`
		} `json:"data"`
		Object string `json:"object"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))

	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 11)
	for i, want := range registry.Defaults() {
		assert.Equal(t, want.ID, list.Data[i].ID)
		assert.Equal(t, "model", list.Data[i].Object)
		assert.Zero(t, list.Data[i].Created)
		assert.Equal(t, "organization-owner", list.Data[i].OwnedBy)
		assert.NotNil(t, list.Data[i].Permission)
		assert.Empty(t, list.Data[i].Permission)
	}
}

func TestAuthorization(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		authHeader string
		wantStatus int
	}{
		{name: "no key configured, no header", apiKey: "", authHeader: "", wantStatus: http.StatusOK},
		{name: "no key configured, junk header", apiKey: "", authHeader: "Bearer whatever", wantStatus: http.StatusOK},
		{name: "valid key", apiKey: "secret", authHeader: "Bearer secret", wantStatus: http.StatusOK},
		{name: "missing header", apiKey: "secret", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", apiKey: "secret", authHeader: "Bearer wrong", wantStatus: http.StatusUnauthorized},
		{name: "missing scheme", apiKey: "secret", authHeader: "secret", wantStatus: http.StatusUnauthorized},
		{name: "lowercase scheme", apiKey: "secret", authHeader: "bearer secret", wantStatus: http.StatusUnauthorized},
		{name: "trailing space", apiKey: "secret", authHeader: "Bearer secret ", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &stubAggregator{fragments: textFragments("ok")}
			srv := newTestServer(t, tt.apiKey, agg)

			rec := doRequest(srv, http.MethodGet, "/v1/models", "", tt.authHeader)
			assert.Equal(t, tt.wantStatus, rec.Code)

			rec = doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(false), tt.authHeader)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusUnauthorized {
				assert.JSONEq(t, `{"detail":"Unauthorized"}`, rec.Body.String())
				assert.Zero(t, agg.callCount())
			} else {
				assert.Equal(t, 1, agg.callCount())
			}
		})
	}
}

func TestChatCompletionNonStream(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("Hel", "lo!")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(false), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
			Index        int    `json:"index"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.NotZero(t, resp.Created)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 0, resp.Choices[0].Index)
	assert.Equal(t, map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}, resp.Usage)

	require.Equal(t, 1, agg.callCount())
	call := agg.calls[0]
	assert.Equal(t, "gpt-4o-mini", call.Model)
	assert.Equal(t, "DDG", call.Provider)
	assert.False(t, call.Stream)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(call.Messages))
}

func TestChatCompletionStream(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("Hel", "lo!")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(true), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 4)

	type chunk struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta        map[string]string `json:"delta"`
			Index        int               `json:"index"`
			FinishReason *string           `json:"finish_reason"`
		} `json:"choices"`
	}

	for i, want := range []string{"Hel", "lo!"} {
		var c chunk
		require.NoError(t, json.Unmarshal([]byte(events[i]), &c))
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.Equal(t, "gpt-4o-mini", c.Model)
		assert.True(t, strings.HasPrefix(c.ID, "chatcmpl-"))
		require.Len(t, c.Choices, 1)
		assert.Equal(t, map[string]string{"content": want}, c.Choices[0].Delta)
		assert.Nil(t, c.Choices[0].FinishReason)
		assert.Contains(t, events[i], `"finish_reason":null`)
	}

	var stop chunk
	require.NoError(t, json.Unmarshal([]byte(events[2]), &stop))
	require.Len(t, stop.Choices, 1)
	assert.Empty(t, stop.Choices[0].Delta)
	assert.Contains(t, events[2], `"delta":{}`)
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)

	assert.Equal(t, "[DONE]", events[3])

	require.Equal(t, 1, agg.callCount())
	assert.True(t, agg.calls[0].Stream)
}

func TestChatCompletionStreamEmptySource(t *testing.T) {
	srv := newTestServer(t, "", &stubAggregator{})

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(true), "")
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Contains(t, events[0], `"finish_reason":"stop"`)
	assert.Equal(t, "[DONE]", events[1])
}

func TestChatCompletionDefaultsModel(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("x")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, agg.callCount())
	assert.Equal(t, "gpt-4o-mini", agg.calls[0].Model)
}

func TestChatCompletionUnknownModel(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("x")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-5","messages":[]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Model 'gpt-5' is not available."}`, rec.Body.String())
	assert.Zero(t, agg.callCount())
}

func TestChatCompletionNullModel(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("x")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":null,"messages":[]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Model '' is not available."}`, rec.Body.String())
	assert.Zero(t, agg.callCount())
}

func TestChatCompletionMissingProvider(t *testing.T) {
	agg := &stubAggregator{fragments: textFragments("x")}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":"orphan-model","messages":[]}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"No provider found for model 'orphan-model'."}`, rec.Body.String())
	assert.Zero(t, agg.callCount())
}

func TestChatCompletionUpstreamFailure(t *testing.T) {
	upstream := errors.New("HuggingChat: 503 secret-internal-detail")

	tests := []struct {
		name string
		agg  *stubAggregator
	}{
		{name: "invocation fails", agg: &stubAggregator{err: upstream}},
		{name: "first fragment fails", agg: &stubAggregator{fragments: []models.Fragment{{Err: upstream}}}},
	}

	for _, tt := range tests {
		for _, stream := range []bool{false, true} {
			name := tt.name + "/buffered"
			if stream {
				name = tt.name + "/stream"
			}
			t.Run(name, func(t *testing.T) {
				srv := newTestServer(t, "", tt.agg)

				rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(stream), "")
				assert.Equal(t, http.StatusInternalServerError, rec.Code)
				assert.JSONEq(t, `{"detail":"Error occurred while processing the completion request."}`, rec.Body.String())
				assert.NotContains(t, rec.Body.String(), "secret-internal-detail")
			})
		}
	}
}

func TestChatCompletionStreamFailsMidway(t *testing.T) {
	agg := &stubAggregator{fragments: []models.Fragment{
		{Text: "Hel"},
		{Err: errors.New("connection reset")},
	}}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(true), "")
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Contains(t, events[0], `"content":"Hel"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestChatCompletionInvalidBody(t *testing.T) {
	agg := &stubAggregator{}
	srv := newTestServer(t, "", agg)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"An internal server error occurred. Please try again later."}`, rec.Body.String())
	assert.Zero(t, agg.callCount())
}

func TestChatCompletionPanicIsInternal(t *testing.T) {
	srv := newTestServer(t, "", &stubAggregator{panicMsg: "nil map write"})

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(false), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"An internal server error occurred. Please try again later."}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "secret", &stubAggregator{fragments: textFragments("a", "b")})

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", helloBody(true), "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `g4f_bridge_stream_fragments_total{model="gpt-4o-mini"} 2`)
	assert.Contains(t, body, `g4f_bridge_chat_completions_total{mode="stream",model="gpt-4o-mini",outcome="ok",provider="DDG"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, "", &stubAggregator{})

	rec := doRequest(srv, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())
}

func TestMetricsUnknownModelsShareOneSeries(t *testing.T) {
	srv := newTestServer(t, "", &stubAggregator{})

	for i := 0; i < 50; i++ {
		body := fmt.Sprintf(`{"model":"junk-%d","messages":[]}`, i)
		rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	rec := doRequest(srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	var series []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "g4f_bridge_chat_completions_total{") && strings.Contains(line, `outcome="bad_model"`) {
			series = append(series, line)
		}
	}
	require.Len(t, series, 1)
	assert.Contains(t, series[0], `model="unknown"`)
	assert.True(t, strings.HasSuffix(series[0], " 50"), series[0])
	assert.NotContains(t, body, "junk-")
}

func TestOversizedBodyRequiresAuthFirst(t *testing.T) {
	srv := newTestServer(t, "secret", &stubAggregator{})
	body := `{"model":"gpt-4o-mini","messages":"` + strings.Repeat("x", 2<<20) + `"}`

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Unauthorized"}`, rec.Body.String())

	rec = doRequest(srv, http.MethodPost, "/v1/chat/completions", body, "Bearer secret")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestLogCarriesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	srv := newTestServer(t, "", &stubAggregator{})
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-5","messages":[]}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var statuses []float64
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "request" {
			statuses = append(statuses, entry["status"].(float64))
		}
	}
	assert.Equal(t, []float64{http.StatusBadRequest}, statuses)
}

// endlessAggregator produces fragments until the request context ends.
type endlessAggregator struct {
	stopped chan struct{}
}

func (a *endlessAggregator) Complete(ctx context.Context, _ models.CompletionRequest) (<-chan models.Fragment, error) {
	out := make(chan models.Fragment)
	go func() {
		defer close(a.stopped)
		defer close(out)
		for provider.Send(ctx, out, models.Fragment{Text: "tick"}) {
		}
	}()
	return out, nil
}

// cancelOnFirstWrite simulates a client that disconnects after the first frame.
type cancelOnFirstWrite struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	writes int
}

func (w *cancelOnFirstWrite) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.writes++
	if w.writes == 1 {
		w.cancel()
	}
	return n, err
}

func TestChatCompletionStreamClientDisconnect(t *testing.T) {
	agg := &endlessAggregator{stopped: make(chan struct{})}
	reg, err := registry.New(registry.Defaults())
	require.NoError(t, err)
	m := metrics.New()
	srv, err := New(config.Default(), router.New(reg, agg), m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(helloBody(true))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := &cancelOnFirstWrite{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	srv.ServeHTTP(w, req)

	select {
	case <-agg.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer kept running after the client went away")
	}

	body := w.Body.String()
	assert.Contains(t, body, `"content":"tick"`)
	assert.NotContains(t, body, "[DONE]")
	assert.NotContains(t, body, `"finish_reason":"stop"`)

	rec := doRequest(srv, http.MethodGet, "/metrics", "", "")
	assert.Contains(t, rec.Body.String(), `outcome="canceled"`)
}

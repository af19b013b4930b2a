package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewOpenAIProvider(OpenAIOptions{
		Endpoint: srv.URL + "/v1",
		APIKey:   "test-key",
		Model:    "test-model",
		Timeout:  timeout,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error: %v", err)
	}
	return provider
}

func chatReply(content string) string {
	body, _ := json.Marshal(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func TestOpenAIProviderSummarize(t *testing.T) {
	t.Parallel()

	var captured chatRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply("```json\n{\"summary\":\"Resumo.\",\"one_line_summary\":\"Linha.\",\"translated_title\":\"Título\",\"tags\":[\"Go\"]}\n```")))
	}, time.Second)

	result, err := provider.Summarize(context.Background(), Request{Title: "Title", Content: "Body text", Language: "pt"})
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if result.Summary != "Resumo." || result.OneLineSummary != "Linha." {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.TranslatedTitle == nil || *result.TranslatedTitle != "Título" {
		t.Fatalf("unexpected translated title %v", result.TranslatedTitle)
	}
	if result.ProviderName != "openai" || result.ModelName != "test-model" {
		t.Fatalf("unexpected provider metadata %+v", result)
	}

	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages %+v", captured.Messages)
	}
	if !strings.Contains(captured.Messages[1].Content, "Portuguese") || !strings.Contains(captured.Messages[1].Content, "Body text") {
		t.Fatalf("user prompt not rendered: %q", captured.Messages[1].Content)
	}
}

func TestOpenAIProviderErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantKind   Kind
		wantStatus int
		wantRetry  time.Duration
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "90"}, body: `{"error":{"message":"slow down"}}`, wantKind: KindRateLimited, wantStatus: 429, wantRetry: 90 * time.Second},
		{name: "request timeout", status: 408, wantKind: KindTimeout, wantStatus: 408},
		{name: "server", status: 503, body: "upstream down", wantKind: KindServer, wantStatus: 503},
		{name: "bad request", status: 400, body: `{"error":{"message":"context too long"}}`, wantKind: KindBadRequest, wantStatus: 400},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantKind: KindEmptyResponse, wantStatus: 200},
		{name: "empty content", status: 200, body: chatReply("   "), wantKind: KindEmptyResponse, wantStatus: 200},
		{name: "not json", status: 200, body: "<html>", wantKind: KindMalformedResponse, wantStatus: 200},
		{name: "invalid reply", status: 200, body: chatReply("no json here"), wantKind: KindMalformedResponse, wantStatus: 200},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, time.Second)

			_, err := provider.Summarize(context.Background(), Request{Content: "Body"})
			perr, ok := AsProviderError(err)
			if !ok {
				t.Fatalf("expected *ProviderError, got %T: %v", err, err)
			}
			if perr.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", perr.Kind, tc.wantKind)
			}
			if perr.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", perr.StatusCode, tc.wantStatus)
			}
			if perr.RetryAfter != tc.wantRetry {
				t.Fatalf("retry after = %s, want %s", perr.RetryAfter, tc.wantRetry)
			}
		})
	}
}

func TestOpenAIProviderErrorBodyCutOnRuneBoundary(t *testing.T) {
	t.Parallel()

	body := "<html>" + strings.Repeat("a", 293) + strings.Repeat("é", 200) + "</html>"
	provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}, time.Second)

	_, err := provider.Summarize(context.Background(), Request{Content: "Body"})
	perr, ok := AsProviderError(err)
	if !ok || perr.Kind != KindServer {
		t.Fatalf("expected server provider error, got %v", err)
	}
	if !utf8.ValidString(perr.Message) {
		t.Fatalf("message is not valid UTF-8: %q", perr.Message)
	}
	if n := utf8.RuneCountInString(perr.Message); n != maxErrorRunes {
		t.Fatalf("message runes = %d, want %d", n, maxErrorRunes)
	}
	if !strings.HasSuffix(perr.Message, "é") {
		t.Fatalf("message should end on a whole rune: %q", perr.Message)
	}
}

func TestOpenAIProviderRotatesPastRateLimitedKey(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		seen    []string
		limited = map[string]bool{"Bearer key-a": true}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		hit := limited[auth]
		mu.Unlock()
		if hit {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chatReply(`{"summary":"S.","one_line_summary":"L."}`)))
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	provider, err := NewOpenAIProvider(OpenAIOptions{
		Endpoint: srv.URL + "/v1",
		APIKey:   "key-a",
		APIKeys:  []string{"key-b"},
		Timeout:  time.Second,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error: %v", err)
	}
	call := func() error {
		_, err := provider.Summarize(context.Background(), Request{Content: "Body"})
		return err
	}
	requests := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}

	if err := call(); err != nil {
		t.Fatalf("expected rotation to the second key, got %v", err)
	}
	if got := strings.Join(requests(), ","); got != "Bearer key-a,Bearer key-b" {
		t.Fatalf("requests = %q", got)
	}

	if err := call(); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := requests(); len(got) != 3 || got[2] != "Bearer key-b" {
		t.Fatalf("cooling key must be skipped, requests = %q", got)
	}

	mu.Lock()
	limited["Bearer key-b"] = true
	mu.Unlock()
	perr, ok := AsProviderError(call())
	if !ok || perr.Kind != KindRateLimited || perr.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate limited once every key cools, got %+v", perr)
	}

	perr, ok = AsProviderError(call())
	if !ok || perr.Kind != KindRateLimited {
		t.Fatalf("expected rate limited without a request, got %+v", perr)
	}
	if got := requests(); len(got) != 4 {
		t.Fatalf("no request should be sent while every key cools, requests = %q", got)
	}
}

func TestOpenAIProviderTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := provider.Summarize(context.Background(), Request{Content: "Body"})
	perr, ok := AsProviderError(err)
	if !ok || perr.Kind != KindTimeout {
		t.Fatalf("expected timeout provider error, got %v", err)
	}
}

func TestOpenAIProviderConnectionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	provider, err := NewOpenAIProvider(OpenAIOptions{Endpoint: endpoint, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error: %v", err)
	}
	_, err = provider.Summarize(context.Background(), Request{Content: "Body"})
	perr, ok := AsProviderError(err)
	if !ok || perr.Kind != KindConnection {
		t.Fatalf("expected connection provider error, got %v", err)
	}
}

func TestOpenAIProviderCallerCancellation(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.Summarize(ctx, Request{Content: "Body"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := AsProviderError(err); ok {
		t.Fatal("caller cancellation must not be a provider error")
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now)
	if got != 2*time.Minute {
		t.Fatalf("parseRetryAfter() = %s, want 2m", got)
	}
	if parseRetryAfter("soon", now) != 0 {
		t.Fatal("unparseable Retry-After should be zero")
	}
}

func TestChatCompletionsURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "https://api.cerebras.ai/v1/chat/completions"},
		{in: "https://api.example.com/v1", want: "https://api.example.com/v1/chat/completions"},
		{in: "https://api.example.com/", want: "https://api.example.com/v1/chat/completions"},
		{in: "api.example.com/openai", want: "https://api.example.com/openai/v1/chat/completions"},
		{in: "http://localhost:8080/v1/chat/completions", want: "http://localhost:8080/v1/chat/completions"},
	}
	for _, tc := range tests {
		if got := chatCompletionsURL(normalizeEndpoint(tc.in)); got != tc.want {
			t.Fatalf("chatCompletionsURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegistryResolvesDefault(t *testing.T) {
	t.Parallel()

	provider, err := NewOpenAIProvider(OpenAIOptions{})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error: %v", err)
	}
	registry := NewRegistry("")
	if err := registry.Register(provider); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := registry.Provider("")
	if err != nil || got.Name() != "openai" {
		t.Fatalf("Provider(\"\") = %v, %v", got, err)
	}
	if _, err := registry.Provider("anthropic"); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultEndpoint is an OpenAI-compatible chat completions base URL.
	DefaultEndpoint = "https://api.cerebras.ai/v1"
	DefaultModel    = "llama-3.3-70b"
	DefaultTimeout  = 30 * time.Second

	OpenAIProviderName = "openai"

	maxResponseBytes = 4 * 1024 * 1024
	maxErrorRunes    = 300
)

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	Endpoint string
	APIKey   string
	// APIKeys are rotated round-robin together with APIKey.
	APIKeys     []string
	KeyCooldown time.Duration
	Model       string
	Timeout     time.Duration
	Prompts     *Prompts
	HTTPClient  *http.Client
	Temperature float64
	MaxTokens   int
	Now         func() time.Time
}

// OpenAIProvider summarizes text by calling an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	endpointURL string
	keys        *KeyRing
	model       string
	timeout     time.Duration
	temperature float64
	maxTokens   int
	prompts     *Prompts
	client      *http.Client
	now         func() time.Time
}

func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	prompts := opts.Prompts
	if prompts == nil {
		var err error
		prompts, err = DefaultPrompts()
		if err != nil {
			return nil, err
		}
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.3
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &OpenAIProvider{
		endpointURL: chatCompletionsURL(normalizeEndpoint(opts.Endpoint)),
		keys:        NewKeyRing(append([]string{opts.APIKey}, opts.APIKeys...), opts.KeyCooldown, now),
		model:       model,
		timeout:     timeout,
		temperature: temperature,
		maxTokens:   maxTokens,
		prompts:     prompts,
		client:      client,
		now:         now,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return OpenAIProviderName
}

func (p *OpenAIProvider) ModelName() string {
	if p == nil {
		return ""
	}
	return p.model
}

// Summarize sends one chat completion. Every failure is a *ProviderError
// except cancellation of ctx itself, which is returned unchanged.
//
// With several API keys a rate-limited key rests and the call moves on to the
// next one; KindRateLimited is returned only once every key is cooling.
func (p *OpenAIProvider) Summarize(ctx context.Context, req Request) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("openai provider is nil")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	systemPrompt, userPrompt, err := p.prompts.Render(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal summary request: %w", err)
	}

	rotating := p.keys.Len() > 1
	var lastErr error
	for i := 0; i < max(1, p.keys.Len()); i++ {
		key, idx, wait, ok := p.keys.Next()
		if !ok {
			return nil, keysCoolingError(wait)
		}

		result, err := p.send(ctx, body, key)
		perr, isProviderErr := AsProviderError(err)
		if !rotating || !isProviderErr || perr.Kind != KindRateLimited {
			return result, err
		}
		p.keys.Cool(idx, perr.RetryAfter)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	if wait, cooling := p.keys.Wait(); cooling {
		return nil, keysCoolingError(wait)
	}
	return nil, lastErr
}

func keysCoolingError(wait time.Duration) *ProviderError {
	return &ProviderError{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: wait,
		Message:    "all API keys are cooling down",
	}
}

func (p *OpenAIProvider) send(ctx context.Context, body []byte, apiKey string) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := p.now()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build summary request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp, respBody, p.now())
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, Message: "decode chat response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "response has no choices"}
	}

	content := parsed.Choices[0].text()
	if strings.TrimSpace(content) == "" {
		return nil, &ProviderError{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "response content is empty"}
	}

	reply, err := ParseReply(content)
	if err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, Message: "invalid reply", Err: err}
	}

	model := strings.TrimSpace(parsed.Model)
	if model == "" {
		model = p.model
	}
	return &Result{
		Summary:         reply.Summary,
		OneLineSummary:  reply.OneLineSummary,
		TranslatedTitle: reply.TranslatedTitle,
		Tags:            reply.Tags,
		ProviderName:    p.Name(),
		ModelName:       model,
		LatencyMS:       p.now().Sub(started).Milliseconds(),
	}, nil
}

func transportError(err error) *ProviderError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &ProviderError{Kind: KindConnection, Message: "send request", Err: err}
}

func statusError(resp *http.Response, body []byte, now time.Time) *ProviderError {
	perr := &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		perr.Kind = KindRateLimited
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode == http.StatusRequestTimeout:
		perr.Kind = KindTimeout
	case resp.StatusCode >= 500:
		perr.Kind = KindServer
	default:
		perr.Kind = KindBadRequest
	}
	return perr
}

func errorMessage(body []byte) string {
	var payload chatErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
	}
	msg := strings.ToValidUTF8(strings.TrimSpace(string(body)), "")
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes])
	}
	return msg
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Message struct {
		Content   string `json:"content"`
		Reasoning string `json:"reasoning"`
	} `json:"message"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// text returns the first populated body; some models answer in "reasoning" or legacy "text".
func (c chatChoice) text() string {
	switch {
	case strings.TrimSpace(c.Message.Content) != "":
		return c.Message.Content
	case strings.TrimSpace(c.Message.Reasoning) != "":
		return c.Message.Reasoning
	default:
		return c.Text
	}
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return DefaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultEndpoint
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Path == "" {
		parsed.Path = "/v1"
	}
	return parsed.String()
}

func chatCompletionsURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return DefaultEndpoint + "/chat/completions"
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		parsed.Path = path
	case strings.HasSuffix(path, "/v1"):
		parsed.Path = path + "/chat/completions"
	case path == "":
		parsed.Path = "/v1/chat/completions"
	default:
		parsed.Path = path + "/v1/chat/completions"
	}
	return parsed.String()
}

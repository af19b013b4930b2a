package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of provider failure categories.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnection        Kind = "connection"
	KindServer            Kind = "server"
	KindRateLimited       Kind = "rate_limited"
	KindBadRequest        Kind = "bad_request"
	KindEmptyResponse     Kind = "empty_response"
	KindMalformedResponse Kind = "malformed_response"
)

// ProviderError is returned by providers for every failed call.
type ProviderError struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the provider-requested wait for rate-limited calls, if any.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsProviderError unwraps err into a *ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		return perr, true
	}
	return nil, false
}

// Request is one summarization call.
type Request struct {
	Title    string
	Content  string
	Language string
}

// Result is a validated provider reply.
type Result struct {
	Summary         string
	OneLineSummary  string
	TranslatedTitle *string
	Tags            []string
	ProviderName    string
	ModelName       string
	LatencyMS       int64
}

// Empty reports whether the provider judged the page to have no summarizable content.
func (r *Result) Empty() bool {
	return r == nil || (r.Summary == "" && r.OneLineSummary == "")
}

// Provider summarizes article text into the target language.
type Provider interface {
	Name() string
	ModelName() string
	Summarize(ctx context.Context, req Request) (*Result, error)
}

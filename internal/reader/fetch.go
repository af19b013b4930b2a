// Package reader fetches an article page and extracts its readable content.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "skim/1.0 (+https://horse.fit/skim)"
)

// Options controls HTTP behavior for full-content fetches.
type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Page is the readable part of a fetched article. HTML is the cleaned article
// markup and Text its plain rendering.
type Page struct {
	HTML string
	Text string
}

type Fetcher struct {
	opts Options
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts}
}

// Fetch retrieves pageURL and runs readability over it. title is the fallback
// text when extraction yields nothing.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, title string) (Page, error) {
	page := strings.TrimSpace(pageURL)
	if page == "" {
		return Page{}, fmt.Errorf("page URL is required")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/plain") {
		text := CleanText(string(body))
		if text == "" {
			return Page{}, fmt.Errorf("reader extracted empty content")
		}
		return Page{HTML: textToHTML(text), Text: text}, nil
	}

	base, err := url.Parse(page)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return Page{}, fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return Page{}, fmt.Errorf("render readability text: %w", err)
	}
	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return Page{}, fmt.Errorf("reader extracted empty content")
	}

	var markup bytes.Buffer
	if err := article.RenderHTML(&markup); err != nil {
		return Page{}, fmt.Errorf("render readability html: %w", err)
	}
	out := strings.TrimSpace(markup.String())
	if out == "" {
		out = textToHTML(text)
	}
	return Page{HTML: out, Text: text}, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// Truncate clips text to maxChars runes. The cut happens on the last
// whitespace before the limit when there is one.
func Truncate(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}

	clipped := string(runes[:maxChars])
	if i := strings.LastIndexAny(clipped, " \n\t"); i > len(clipped)/2 {
		clipped = clipped[:i]
	}
	return strings.TrimSpace(clipped), true
}

func textToHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>\n")
	}
	return b.String()
}

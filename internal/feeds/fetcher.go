// Package feeds downloads RSS, Atom and JSON feeds and turns their items into
// dedup candidates.
package feeds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"horse.fit/skim/internal/dedup"
)

const (
	DefaultTimeout       = 20 * time.Second
	DefaultBodyByteLimit = 10 * 1024 * 1024

	defaultUserAgent = "skim/1.0 (+https://horse.fit/skim)"
)

type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Entry is one feed item ready for dedup resolution.
type Entry struct {
	dedup.Candidate
	PublishedAt *time.Time
}

// Document is a parsed feed.
type Document struct {
	Title   string
	Entries []Entry
}

type Fetcher struct {
	opts Options
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
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

func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Document, error) {
	target := strings.TrimSpace(feedURL)
	base, err := url.Parse(target)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid feed url %q", target)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return toDocument(parsed, base), nil
}

func toDocument(feed *gofeed.Feed, base *url.URL) *Document {
	doc := &Document{
		Title:   strings.TrimSpace(feed.Title),
		Entries: make([]Entry, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		content := strings.TrimSpace(item.Content)
		if content == "" {
			content = strings.TrimSpace(item.Description)
		}

		entry := Entry{
			Candidate: dedup.Candidate{
				GUID:    strings.TrimSpace(item.GUID),
				URL:     resolveLink(base, itemLink(item)),
				Title:   strings.TrimSpace(item.Title),
				Content: content,
			},
			PublishedAt: item.PublishedParsed,
		}
		if entry.PublishedAt == nil {
			entry.PublishedAt = item.UpdatedParsed
		}
		if entry.PublishedAt != nil {
			utc := entry.PublishedAt.UTC()
			entry.PublishedAt = &utc
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, link := range item.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	return ""
}

// resolveLink makes relative item links absolute against the feed URL.
func resolveLink(base *url.URL, raw string) string {
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

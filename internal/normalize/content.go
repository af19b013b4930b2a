package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	// MinAggressiveTextChars is the length below which the aggressive
	// extraction is considered to have eaten the article body.
	MinAggressiveTextChars = 400

	maxHashBytes  = 200 * 1024
	hashHalfBytes = maxHashBytes / 2
)

var invisibleSelector = "script, style, noscript, template, iframe, svg"

var safeBoilerplateSelectors = []string{
	".share", ".sharing", ".social-share", ".share-buttons", "[class*='share-bar']",
	".newsletter", "[class*='newsletter']", ".subscribe-box",
	".cookie-notice", ".cookie-banner", "[id*='cookie']", "[class*='cookie-consent']",
	".ad", ".ads", ".advert", ".advertisement", "[class*='ad-slot']", "[id^='ad-']", ".sponsored",
	".related", ".related-posts", ".related-articles", "[class*='related-']",
	".comments", "#comments", ".comment-list", "#disqus_thread",
}

var aggressiveOnlySelectors = []string{
	"nav", "header", "footer", "aside", "form",
	"[role='navigation']", "[role='banner']", "[role='contentinfo']",
	".sidebar", ".breadcrumb", ".breadcrumbs", ".menu",
}

var blockSelector = "p, div, section, article, li, ul, ol, h1, h2, h3, h4, h5, h6, blockquote, pre, table, tr, td, th, figure, figcaption, dd, dt"

var (
	dateStampLine = regexp.MustCompile(`(?i)^((posted|published|updated)(\s+on)?:?\s*)?(` +
		`\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}` +
		`|\d{4}-\d{2}-\d{2}` +
		`|(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?,?\s+\d{4}` +
		`|\d{1,2}\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4}` +
		`)?([\sT,|-]*\d{1,2}:\d{2}(:\d{2})?\s*(am|pm)?(\s*[a-z]{2,4})?)?$`)
	callToActionLine = regexp.MustCompile(`(?i)^(read|continue|see|keep)\s+(more|reading|the full (story|article))\W*$`)
)

// VisibleText extracts the article text used for hashing and summarization.
//
// The aggressive selector list is tried first. When it leaves fewer than
// MinAggressiveTextChars characters the safe list is retried and the longer
// result wins.
func VisibleText(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}

	aggressive := extractText(rawHTML, append(append([]string{}, safeBoilerplateSelectors...), aggressiveOnlySelectors...))
	if utf8.RuneCountInString(aggressive) >= MinAggressiveTextChars {
		return aggressive
	}

	safe := extractText(rawHTML, safeBoilerplateSelectors)
	if utf8.RuneCountInString(safe) > utf8.RuneCountInString(aggressive) {
		return safe
	}
	return aggressive
}

// ContentHash returns the hex SHA-256 of the visible text. ok is false when
// the content has no visible text and therefore no usable content key.
func ContentHash(rawHTML string) (hash string, ok bool) {
	text := VisibleText(rawHTML)
	if text == "" {
		return "", false
	}
	return HashText(text), true
}

// HashText hashes already-extracted text. Inputs above 200KB are reduced to
// their first and last 100KB.
func HashText(text string) string {
	data := []byte(text)
	if len(data) > maxHashBytes {
		reduced := make([]byte, 0, maxHashBytes)
		reduced = append(reduced, data[:hashHalfBytes]...)
		reduced = append(reduced, data[len(data)-hashHalfBytes:]...)
		data = reduced
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func extractText(rawHTML string, boilerplate []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return cleanLines(rawHTML)
	}

	doc.Find(invisibleSelector).Remove()
	doc.Find(strings.Join(boilerplate, ", ")).Remove()

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		sel.BeforeHtml("\n")
		sel.AppendHtml("\n")
	})

	return cleanLines(doc.Text())
}

func cleanLines(text string) string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(line), " ")
		if clean == "" || isNoiseLine(clean) {
			continue
		}
		kept = append(kept, clean)
	}
	return strings.Join(kept, "\n")
}

func isNoiseLine(line string) bool {
	if len(line) > 80 {
		return false
	}
	return dateStampLine.MatchString(line) || callToActionLine.MatchString(line)
}

package summarizer

import (
	"strings"
	"unicode/utf8"
)

const (
	minUsefulContentChars = 50
	shortContentChars     = 200
)

// garbagePatterns mark error, session, paywall and cookie-wall pages.
var garbagePatterns = []string{
	"reload to refresh your session",
	"you signed in with another tab",
	"you signed out in another tab",
	"you switched accounts on another tab",
	"you can't perform that action at this time",
	"octocat-spinner",
	"access denied",
	"403 forbidden",
	"404 not found",
	"500 internal server error",
	"502 bad gateway",
	"503 service unavailable",
	"page not found",
	"subscribe to continue reading",
	"create an account to continue",
	"sign in to continue",
	"this content is for subscribers only",
	"we use cookies",
	"accept all cookies",
	"manage cookie preferences",
}

// IsGarbage reports whether content is a page with nothing worth summarizing.
// Such pages are cached as an empty summary without calling a provider.
func IsGarbage(content string) bool {
	trimmed := strings.TrimSpace(content)
	length := utf8.RuneCountInString(trimmed)
	if length < minUsefulContentChars {
		return true
	}

	lower := strings.ToLower(trimmed)
	matches := 0
	for _, pattern := range garbagePatterns {
		if strings.Contains(lower, pattern) {
			matches++
		}
	}

	return matches >= 2 || (matches == 1 && length < shortContentChars)
}

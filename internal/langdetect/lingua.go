// Package langdetect guesses the language of short texts such as titles.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const minLetters = 6

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns the lowercase ISO 639-1 code of text, or "" when the
// text is too short or the language cannot be told.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if countLetters(sample) < minLetters {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// SameLanguage reports whether text is confidently written in the language
// with ISO 639-1 code iso. Undetectable text is never the same language.
func SameLanguage(text, iso string) bool {
	want := strings.ToLower(strings.TrimSpace(iso))
	if i := strings.IndexAny(want, "-_"); i > 0 {
		want = want[:i]
	}
	if want == "" {
		return false
	}
	return DetectISO6391(text) == want
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}

package summarizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxOneLineChars = 150
	MaxTags         = 8
	maxTagChars     = 50
)

var (
	errNoJSONObject        = errors.New("reply contains no JSON object")
	errInconsistentSummary = errors.New("summary and one_line_summary must both be empty or both be set")
)

var fencedBlock = regexp.MustCompile("```(?:json|JSON)?\\s*([\\s\\S]*?)\\s*```")

// Reply is the JSON object a provider returns inside the chat message.
type Reply struct {
	Summary         string   `json:"summary"`
	OneLineSummary  string   `json:"one_line_summary"`
	TranslatedTitle *string  `json:"translated_title,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// ParseReply extracts, validates and cleans the JSON object in a model reply.
// Models wrap JSON in code fences, surround it with prose or leave raw
// newlines inside strings; all three are tolerated.
func ParseReply(content string) (*Reply, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	reply, err := validateReply(payload)
	if err != nil {
		return nil, err
	}
	if err := reply.normalize(); err != nil {
		return nil, err
	}
	return reply, nil
}

func extractJSON(content string) ([]byte, error) {
	text := strings.TrimSpace(content)
	if match := fencedBlock.FindStringSubmatch(text); match != nil {
		text = strings.TrimSpace(match[1])
	}
	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNoJSONObject
	}
	candidate := text[start : end+1]
	if json.Valid([]byte(candidate)) {
		return []byte(candidate), nil
	}

	repaired := escapeRawNewlines(candidate)
	if json.Valid([]byte(repaired)) {
		return []byte(repaired), nil
	}
	return nil, fmt.Errorf("reply JSON is not parseable: %.200s", candidate)
}

// escapeRawNewlines escapes control whitespace that appears inside string literals.
func escapeRawNewlines(raw string) string {
	var (
		b        strings.Builder
		inString bool
		escaped  bool
	)
	b.Grow(len(raw) + 16)
	for _, r := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			}
		} else if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *Reply) normalize() error {
	r.Summary = strings.TrimSpace(r.Summary)
	r.OneLineSummary = strings.TrimSpace(r.OneLineSummary)
	if (r.Summary == "") != (r.OneLineSummary == "") {
		return errInconsistentSummary
	}
	r.OneLineSummary = capOneLine(r.OneLineSummary)

	if r.TranslatedTitle != nil {
		title := strings.TrimSpace(*r.TranslatedTitle)
		switch strings.ToLower(title) {
		case "", "null", "none":
			r.TranslatedTitle = nil
		default:
			r.TranslatedTitle = &title
		}
	}

	r.Tags = normalizeTags(r.Tags)
	return nil
}

func capOneLine(line string) string {
	if utf8.RuneCountInString(line) <= MaxOneLineChars {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:MaxOneLineChars-3])) + "..."
}

func normalizeTags(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, min(len(raw), MaxTags))
	for _, tag := range raw {
		clean := strings.ToLower(strings.Join(strings.Fields(tag), " "))
		if clean == "" || utf8.RuneCountInString(clean) > maxTagChars {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
		if len(out) == MaxTags {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

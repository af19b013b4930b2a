package summarizer

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

var languageNames = map[string]string{
	"en": "English",
	"pt": "Portuguese",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"nl": "Dutch",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ru": "Russian",
}

type promptFile struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserPrompt   string `yaml:"user_prompt"`
}

// Prompts holds the parsed system and user templates.
type Prompts struct {
	system *template.Template
	user   *template.Template
}

type promptData struct {
	Language string
	Title    string
	Content  string
}

// DefaultPrompts returns the embedded prompt templates.
func DefaultPrompts() (*Prompts, error) {
	return ParsePrompts(defaultPromptsYAML)
}

// LoadPrompts reads templates from path, or the embedded defaults when path is empty.
func LoadPrompts(path string) (*Prompts, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return DefaultPrompts()
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return ParsePrompts(raw)
}

func ParsePrompts(raw []byte) (*Prompts, error) {
	var file promptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode prompts yaml: %w", err)
	}
	if strings.TrimSpace(file.SystemPrompt) == "" {
		return nil, fmt.Errorf("system_prompt is required")
	}
	if strings.TrimSpace(file.UserPrompt) == "" {
		return nil, fmt.Errorf("user_prompt is required")
	}

	system, err := template.New("system_prompt").Option("missingkey=error").Parse(file.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system_prompt: %w", err)
	}
	user, err := template.New("user_prompt").Option("missingkey=error").Parse(file.UserPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse user_prompt: %w", err)
	}
	return &Prompts{system: system, user: user}, nil
}

// Render returns the system and user messages for one request.
func (p *Prompts) Render(req Request) (string, string, error) {
	if p == nil {
		return "", "", fmt.Errorf("prompts are nil")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	data := promptData{
		Language: LanguageName(req.Language),
		Title:    title,
		Content:  req.Content,
	}

	var system, user bytes.Buffer
	if err := p.system.Execute(&system, data); err != nil {
		return "", "", fmt.Errorf("render system_prompt: %w", err)
	}
	if err := p.user.Execute(&user, data); err != nil {
		return "", "", fmt.Errorf("render user_prompt: %w", err)
	}
	return strings.TrimSpace(system.String()), strings.TrimSpace(user.String()), nil
}

// LanguageName maps an ISO 639-1 code to the English language name used in prompts.
func LanguageName(code string) string {
	normalized := strings.ToLower(strings.TrimSpace(code))
	if name, ok := languageNames[normalized]; ok {
		return name
	}
	if normalized == "" {
		return languageNames["en"]
	}
	return strings.TrimSpace(code)
}

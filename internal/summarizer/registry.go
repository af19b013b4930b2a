package summarizer

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultProviderName is used when SUMMARY_PROVIDER is unset.
const DefaultProviderName = OpenAIProviderName

// Registry stores summary providers and resolves the configured one.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
}

func NewRegistry(defaultProvider string) *Registry {
	normalizedDefault := normalizeProviderName(defaultProvider)
	if normalizedDefault == "" {
		normalizedDefault = DefaultProviderName
	}

	return &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: normalizedDefault,
	}
}

// Register adds one provider, replacing any provider with the same name.
func (r *Registry) Register(provider Provider) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if provider == nil {
		return fmt.Errorf("provider is nil")
	}
	name := normalizeProviderName(provider.Name())
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.providers[name] = provider
	return nil
}

// Provider resolves a provider by name. Empty names use the configured default provider.
func (r *Registry) Provider(name string) (Provider, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no summary providers are registered")
	}

	resolvedName := normalizeProviderName(name)
	if resolvedName == "" {
		resolvedName = r.defaultProvider
	}
	if provider, ok := r.providers[resolvedName]; ok {
		return provider, nil
	}

	return nil, fmt.Errorf("summary provider %q is not registered (available: %s)", resolvedName, strings.Join(r.ProviderNames(), ", "))
}

func (r *Registry) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return r.defaultProvider
}

func (r *Registry) ProviderNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

package llm

import (
	"fmt"
	"strings"
)

// Canonical provider keys after normalization.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderCompatible = "openai-compatible"
)

// aliases folds marketing and legacy names into canonical keys. Keys and
// values are already in normalized (lowercase, hyphenated) form so that
// normalization is idempotent.
var aliases = map[string]string{
	"claude":            ProviderAnthropic,
	"anthropic-claude":  ProviderAnthropic,
	"google":            ProviderGemini,
	"google-gemini":     ProviderGemini,
	"gpt":               ProviderOpenAI,
	"chatgpt":           ProviderOpenAI,
	"azure-openai":      ProviderCompatible,
	"openai-compat":     ProviderCompatible,
	"openai-compatible": ProviderCompatible,
	"vllm":              ProviderCompatible,
	"ollama":            ProviderCompatible,
}

// defaultEndpoints maps canonical keys to their hosted base URLs.
// openai-compatible providers have no default and must carry an explicit
// endpoint in their config.
var defaultEndpoints = map[string]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com",
	ProviderGemini:    "https://generativelanguage.googleapis.com/v1beta",
}

// Normalize folds a provider name to its canonical key: lowercase,
// whitespace and underscores hyphenated, aliases resolved. Idempotent.
func Normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "-")
	key = strings.ReplaceAll(key, "_", "-")
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

// ResolveEndpoint returns the base URL for a provider config, preferring an
// explicit EndpointURL. Providers in the openai-compatible family have no
// hosted default and error without one.
func ResolveEndpoint(cfg ProviderConfig) (string, error) {
	if cfg.EndpointURL != "" {
		return strings.TrimRight(cfg.EndpointURL, "/"), nil
	}
	key := Normalize(cfg.ProviderName)
	if strings.HasPrefix(key, ProviderCompatible) {
		return "", fmt.Errorf("provider %q requires an explicit endpoint_url", cfg.ProviderName)
	}
	if base, ok := defaultEndpoints[key]; ok {
		return base, nil
	}
	// Unknown names speak the OpenAI dialect against the OpenAI endpoint
	// only if the operator really meant it; require an endpoint instead.
	return "", fmt.Errorf("no default endpoint for provider %q", cfg.ProviderName)
}

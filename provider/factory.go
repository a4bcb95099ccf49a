package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	murmur "github.com/Paranoid-AF/murmur"
)

// Per-type defaults applied when the config leaves a field empty.
var typeDefaults = map[string]struct {
	endpoint string
	model    string
}{
	"anthropic": {"https://api.anthropic.com", "claude-haiku-4-5-20251001"},
	"openai":    {"https://api.openai.com/v1", "gpt-4o-mini"},
	"codestral": {"https://codestral.mistral.ai", "codestral-latest"},
	"ollama":    {"http://localhost:11434", "codellama:7b"},
	"gemini":    {"", "gemini-2.5-flash"},
}

const (
	defaultMaxTokens   = 512
	defaultTemperature = 0.2
)

// New builds the provider described by cfg.
func New(ctx context.Context, cfg murmur.ProviderConfig, client *http.Client) (Provider, error) {
	defaults, ok := typeDefaults[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaults.endpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaults.model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	apiKey := murmur.ResolveProviderAPIKey(cfg)
	if apiKey == "" && cfg.Type != "ollama" {
		return nil, fmt.Errorf("provider %q: no API key configured", cfg.Name)
	}

	switch cfg.Type {
	case "anthropic":
		return NewAnthropic(cfg.Name, endpoint, apiKey, model, maxTokens, temperature, client), nil
	case "openai":
		return NewOpenAI(cfg.Name, endpoint, apiKey, model, cfg.APIType, maxTokens, temperature, client), nil
	case "codestral":
		return NewCodestral(cfg.Name, endpoint, apiKey, model, maxTokens, temperature, client), nil
	case "ollama":
		return NewOllama(cfg.Name, endpoint, model, maxTokens, temperature, client), nil
	default:
		return NewGemini(ctx, cfg.Name, endpoint, apiKey, model, maxTokens, temperature, client)
	}
}

// FromConfig builds descriptors for every configured provider. Providers that
// cannot be constructed are logged and left out.
func FromConfig(ctx context.Context, cfgs []murmur.ProviderConfig, client *http.Client) []Descriptor {
	var out []Descriptor
	for _, pc := range cfgs {
		p, err := New(ctx, pc, client)
		if err != nil {
			slog.Warn("skipping provider", "provider", pc.Name, "error", err)
			continue
		}
		caps := make([]TaskClass, len(pc.Capabilities))
		for i, c := range pc.Capabilities {
			caps[i] = TaskClass(c)
		}
		out = append(out, Descriptor{
			Name:         pc.Name,
			Capabilities: caps,
			Priority:     pc.Priority,
			Enabled:      pc.IsEnabled(),
			Timeout:      murmur.ResolveProviderTimeout(pc),
			Provider:     p,
		})
	}
	return out
}

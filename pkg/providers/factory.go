package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/minima/chatbridge/pkg/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// InferProviderFromModel maps a model identifier onto one of the supported
// backends. Anything that is not a Claude model goes through the
// OpenAI-compatible client, which also covers Ollama and vLLM.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))

	if idx := strings.Index(m, "/"); idx > 0 {
		switch m[:idx] {
		case "anthropic":
			return ProviderAnthropic
		case "openai", "ollama", "vllm":
			return ProviderOpenAI
		}
	}

	if strings.Contains(m, "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// CreateProviderForModel builds the backend serving model. The configured
// engine.provider wins for the primary model, fallbacks are inferred.
func CreateProviderForModel(cfg *config.Config, model string) (LLMProvider, error) {
	kind := InferProviderFromModel(model)
	if model == cfg.Engine.Model && cfg.Engine.Provider != "" {
		kind = strings.ToLower(strings.TrimSpace(cfg.Engine.Provider))
	}

	httpClient := &http.Client{Timeout: cfg.EngineTimeout()}

	switch kind {
	case ProviderOpenAI:
		pc := cfg.Providers.OpenAI
		return NewOpenAIProvider(pc.APIKey, pc.APIBase, httpClient), nil
	case ProviderAnthropic:
		pc := cfg.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, fmt.Errorf("no API key configured for anthropic (model %s)", model)
		}
		return NewAnthropicProvider(pc.APIKey, pc.APIBase, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for model %s", kind, model)
	}
}

// StripProviderPrefix drops a routing prefix such as "ollama/" before the
// model name is sent upstream.
func StripProviderPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		switch strings.ToLower(model[:idx]) {
		case "anthropic", "openai", "ollama", "vllm":
			return model[idx+1:]
		}
	}
	return model
}

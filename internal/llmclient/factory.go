package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
)

// NewClient is a factory that builds a tiered LLM router from configuration.
// An unconfigured or unsupported provider is an error; callers that want to
// run without a completion service should pass a nil client to the loop and
// rely on its heuristic fallbacks.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		fast, err := NewGeminiClient(cfg, cfg.FastModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fast-tier client: %w", err)
		}
		powerful, err := NewGeminiClient(cfg, cfg.PowerfulModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create powerful-tier client: %w", err)
		}
		return NewLLMRouter(logger, fast, powerful)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

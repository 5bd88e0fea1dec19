// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// NewClient creates the configured provider client, wrapped with the rate
// limit and request timeout from cfg.
func NewClient(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	var (
		client schemas.LLMClient
		err    error
	)
	switch cfg.Provider {
	case ProviderGemini:
		client, err = NewGeminiClient(ctx, cfg, logger)
	case ProviderOpenAI:
		client, err = NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, ProviderGemini, ProviderOpenAI)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(client, cfg.RequestsPerMinute, cfg.Timeout), nil
}

package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// NewClient builds the tiered client described by the router configuration.
// Each tier default names an entry in the Models map; one entry may serve
// both tiers.
func NewClient(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fastClient, err := newTierClient(cfg, cfg.DefaultFastModel, "DefaultFastModel", "Fast", logger)
	if err != nil {
		return nil, err
	}

	powerfulClient, err := newTierClient(cfg, cfg.DefaultPowerfulModel, "DefaultPowerfulModel", "Powerful", logger)
	if err != nil {
		_ = fastClient.Close()
		return nil, err
	}

	return NewLLMRouter(logger, fastClient, powerfulClient)
}

func newTierClient(cfg config.LLMRouterConfig, modelName, field, tier string, logger *zap.Logger) (schemas.LLMClient, error) {
	if modelName == "" {
		return nil, fmt.Errorf("configuration error: %s is not specified in LLMRouterConfig", field)
	}

	modelCfg, ok := cfg.Models[modelName]
	if !ok {
		return nil, fmt.Errorf("configuration error: %s %q not found in the models map", field, modelName)
	}

	client, err := newProviderClient(modelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s tier LLM client (Model: %s): %w", tier, modelName, err)
	}
	return client, nil
}

// newProviderClient dispatches on the configured provider.
func newProviderClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case "":
		return nil, fmt.Errorf("LLM provider is not specified in the model configuration")
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

package ai

import (
	"fmt"

	"github.com/sparlohq/sparlo/internal/ai/anthropic"
	"github.com/sparlohq/sparlo/internal/ai/mock"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of anthropic, mock", cfg.Provider)
	}
}

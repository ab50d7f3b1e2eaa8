package main

import (
	"fmt"
	"strings"

	"github.com/driftlab/vivarium/pkg/config"
	"github.com/driftlab/vivarium/pkg/embedder"
	embedderopenai "github.com/driftlab/vivarium/pkg/embedder/openai"
	"github.com/driftlab/vivarium/pkg/llm"
	llmopenai "github.com/driftlab/vivarium/pkg/llm/openai"
)

// initLLM builds a chat provider from config. Provider names are dispatched
// here so adding a backend only touches this switch.
func initLLM(cfg config.ModelConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return llmopenai.NewClient(&llmopenai.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

func initEmbedder(cfg config.EmbedderConfig) (embedder.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return embedderopenai.NewClient(&embedderopenai.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}

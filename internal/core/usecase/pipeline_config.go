package usecase

import (
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// PipelineConfig carries the per-turn pipeline parameters.
type PipelineConfig struct {
	TopK    int
	Weights domain.FusionWeights

	RerankEnabled    bool
	RerankCandidates int
	RerankKeep       int

	ContextTokenBudget int
	HistoryWindow      int
	MaxQueryRunes      int
	SourcesLimit       int

	Generation domain.GenerationConfig

	HistoryTimeout time.Duration
	PersistTimeout time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TopK:               5,
		Weights:            domain.DefaultFusionWeights(),
		RerankEnabled:      true,
		RerankCandidates:   20,
		RerankKeep:         5,
		ContextTokenBudget: defaultContextTokenBudget,
		HistoryWindow:      defaultHistoryWindow,
		MaxQueryRunes:      1000,
		SourcesLimit:       3,
		Generation: domain.GenerationConfig{
			Temperature:     domain.DefaultTemperature,
			MaxOutputTokens: domain.DefaultMaxOutputTokens,
		},
		HistoryTimeout: 3 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

func (c PipelineConfig) normalize() PipelineConfig {
	out := c
	def := DefaultPipelineConfig()

	if out.TopK <= 0 {
		out.TopK = def.TopK
	}
	out.Weights = out.Weights.Normalize()
	if out.RerankCandidates < out.TopK {
		out.RerankCandidates = out.TopK
	}
	if out.RerankKeep <= 0 {
		out.RerankKeep = out.TopK
	}
	if out.ContextTokenBudget <= 0 {
		out.ContextTokenBudget = def.ContextTokenBudget
	}
	if out.HistoryWindow < 0 {
		out.HistoryWindow = def.HistoryWindow
	}
	if out.MaxQueryRunes <= 0 {
		out.MaxQueryRunes = def.MaxQueryRunes
	}
	if out.SourcesLimit <= 0 {
		out.SourcesLimit = def.SourcesLimit
	}
	if out.HistoryTimeout <= 0 {
		out.HistoryTimeout = def.HistoryTimeout
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = def.PersistTimeout
	}
	return out
}

// retrievalSize is how many fused candidates feed the reranker.
func (c PipelineConfig) retrievalSize() int {
	if c.RerankEnabled {
		return c.RerankCandidates
	}
	return c.TopK
}

func (c PipelineConfig) keepSize() int {
	if c.RerankEnabled {
		return c.RerankKeep
	}
	return c.TopK
}

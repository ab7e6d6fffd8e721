package llmgen

import "vibeforge/internal/provider"

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	PromptUSDPerMTok     float64 `json:"prompt" mapstructure:"prompt" yaml:"prompt"`
	CompletionUSDPerMTok float64 `json:"completion" mapstructure:"completion" yaml:"completion"`
}

// PricingTable maps model_id to its price. It is configuration, not code:
// internal/config loads overrides so new models can be priced without
// touching this package. Unknown models contribute zero cost.
type PricingTable map[string]ModelPrice

// DefaultPricing returns the built-in table used when the config supplies
// none.
func DefaultPricing() PricingTable {
	return PricingTable{
		"gpt-4o-mini": {PromptUSDPerMTok: 0.15, CompletionUSDPerMTok: 0.60},
	}
}

// Cost computes the USD cost of one completion.
func (t PricingTable) Cost(model string, usage *provider.Usage) float64 {
	if usage == nil {
		return 0
	}
	price, ok := t[model]
	if !ok {
		return 0
	}
	prompt := float64(usage.PromptTokens) / 1_000_000 * price.PromptUSDPerMTok
	completion := float64(usage.CompletionTokens) / 1_000_000 * price.CompletionUSDPerMTok
	return prompt + completion
}

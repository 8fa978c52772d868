// Package billing consumes Stripe subscription lifecycle webhooks to keep
// organization plan state current, and estimates usage cost from token counts.
package billing

import (
	"fmt"

	"lynxa/internal/config"

	"github.com/shopspring/decimal"
)

var perThousand = decimal.NewFromInt(1000)

// Pricing holds USD prices per 1K tokens.
type Pricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// NewPricing parses the configured price strings.
func NewPricing(cfg config.BillingConfig) (Pricing, error) {
	input, err := decimal.NewFromString(cfg.InputTokenPrice)
	if err != nil {
		return Pricing{}, fmt.Errorf("invalid input token price %q: %w", cfg.InputTokenPrice, err)
	}
	output, err := decimal.NewFromString(cfg.OutputTokenPrice)
	if err != nil {
		return Pricing{}, fmt.Errorf("invalid output token price %q: %w", cfg.OutputTokenPrice, err)
	}
	return Pricing{InputPer1K: input, OutputPer1K: output}, nil
}

// EstimateCost returns the USD cost of the given token counts. Decimal
// arithmetic avoids the float drift that creeps into per-token prices.
func (p Pricing) EstimateCost(inputTokens, outputTokens int64) decimal.Decimal {
	input := p.InputPer1K.Mul(decimal.NewFromInt(inputTokens)).Div(perThousand)
	output := p.OutputPer1K.Mul(decimal.NewFromInt(outputTokens)).Div(perThousand)
	return input.Add(output)
}

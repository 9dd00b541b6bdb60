// Package usage keeps per-session token and cost ledgers for model calls.
package usage

import (
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/config"
)

// Tier is a pricing tier.
type Tier string

const (
	TierFlash Tier = "flash"
	TierPro   Tier = "pro"
	// TierCatalog prices through config.KnownModels.
	TierCatalog Tier = "catalog"
)

// LongContextThreshold is the prompt size above which pro-tier long-context rates apply.
const LongContextThreshold = 200_000

// Rate is a price per one million tokens in USD.
type Rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

//nolint:gochecknoglobals // read-only pricing table
var (
	flashRate   = Rate{Input: 0.50, Output: 3.00}
	proRate     = Rate{Input: 2.00, Output: 12.00}
	proLongRate = Rate{Input: 4.00, Output: 18.00}
)

// TierFor maps a model name to its pricing tier.
func TierFor(model string) Tier {
	m := strings.TrimPrefix(strings.ToLower(model), "models/")
	if !strings.HasPrefix(m, "gemini-") {
		return TierCatalog
	}
	if strings.Contains(m, "flash") {
		return TierFlash
	}
	if strings.Contains(m, "pro") {
		return TierPro
	}
	return TierFlash
}

// RateFor returns the rate for a tier and prompt size. The catalog tier uses the
// model's entry in config.KnownModels and is zero for unknown models.
func RateFor(model string, inputTokens int) (Tier, Rate) {
	tier := TierFor(model)
	switch tier {
	case TierFlash:
		return tier, flashRate
	case TierPro:
		if inputTokens > LongContextThreshold {
			return tier, proLongRate
		}
		return tier, proRate
	default:
		info, ok := config.GetModelInfo(model)
		if !ok {
			return tier, Rate{}
		}
		return tier, Rate{Input: info.InputCPM, Output: info.OutputCPM}
	}
}

// Cost computes the USD cost of one call. Thinking tokens are billed at the output rate.
func Cost(model string, u Usage) float64 {
	_, rate := RateFor(model, u.InputTokens)
	in := float64(u.InputTokens) / 1_000_000 * rate.Input
	out := float64(u.OutputTokens+u.ThinkingTokens) / 1_000_000 * rate.Output
	return in + out
}

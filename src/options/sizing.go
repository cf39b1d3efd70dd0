package options

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizeResult is the outcome of risk-based position sizing.
type SizeResult struct {
	Lots               int64           `json:"lots"`
	Quantity           int             `json:"quantity"`
	Amount             decimal.Decimal `json:"amount"`
	CanTrade           bool            `json:"canTrade"`
	MinCapitalRequired decimal.Decimal `json:"minCapitalRequired"`
}

// InsufficientCapitalError carries the minimum capital required for one lot
// so callers can render differentiated guidance.
type InsufficientCapitalError struct {
	Required decimal.Decimal
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient funds: minimum capital of %s required for one lot", e.Required.StringFixed(2))
}

// CalculateLots sizes a position from capital and risk percentage:
// lots = floor((capital * riskPct / 100) / premiumPerLot). CanTrade is true
// only when at least one lot is affordable within the risk budget.
func CalculateLots(capital, riskPct, premiumPerLot decimal.Decimal, lotSize int) SizeResult {
	result := SizeResult{MinCapitalRequired: premiumPerLot}

	if premiumPerLot.LessThanOrEqual(decimal.Zero) || lotSize <= 0 {
		return result
	}

	riskAmount := capital.Mul(riskPct).Div(decimal.NewFromInt(100))
	lots := riskAmount.Div(premiumPerLot).Floor().IntPart()
	if lots < 1 {
		return result
	}

	result.Lots = lots
	result.Quantity = int(lots) * lotSize
	result.Amount = premiumPerLot.Mul(decimal.NewFromInt(lots))
	result.CanTrade = true
	return result
}

// ValidateFixedQuantity checks the fixed-quantity mode, where the caller
// dictates the lot count and capital must cover the full premium outlay.
func ValidateFixedQuantity(capital decimal.Decimal, lots int64, premiumPerLot decimal.Decimal) error {
	required := premiumPerLot.Mul(decimal.NewFromInt(lots))
	if capital.LessThan(required) {
		return &InsufficientCapitalError{Required: required}
	}
	return nil
}

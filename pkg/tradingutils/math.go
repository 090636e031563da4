package tradingutils

import (
	"github.com/shopspring/decimal"
)

// QuantizePriceUp rounds a price up to the nearest multiple of tickSize.
func QuantizePriceUp(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Ceil().Mul(tickSize)
}

// QuantizePriceDown rounds a price down to the nearest multiple of tickSize.
func QuantizePriceDown(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// QuantizeQty rounds a quantity down to the nearest multiple of stepSize.
// Rounding down keeps the order inside the funded amount.
func QuantizeQty(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// RungPrice returns the price of rung level in an arithmetic grid.
func RungPrice(lower, step decimal.Decimal, level int) decimal.Decimal {
	return lower.Add(step.Mul(decimal.NewFromInt(int64(level))))
}

// Clamp limits v to the closed interval [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// ProfitTarget returns the sell price that realizes profitPct percent over
// the executed buy price.
func ProfitTarget(buyPrice, profitPct decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Add(profitPct.Div(decimal.NewFromInt(100))))
}

// ReplenishPrice returns the buy price that backs out profitPct percent from
// an executed sell price.
func ReplenishPrice(sellPrice, profitPct decimal.Decimal) decimal.Decimal {
	return sellPrice.Div(decimal.NewFromInt(1).Add(profitPct.Div(decimal.NewFromInt(100))))
}

// NetPnL computes the profit of a closed pair after commissions.
func NetPnL(buyPrice, sellPrice, qty, commissions decimal.Decimal) decimal.Decimal {
	return sellPrice.Sub(buyPrice).Mul(qty).Sub(commissions)
}

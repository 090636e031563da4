// Package engine runs the grid bots: coverage planning, the per-bot
// controller state machine, performance projection and the control API.
package engine

import (
	"fmt"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const (
	minGridLevels = 2
	maxGridLevels = 100
)

// maxProfitPerGrid caps the per-rung profit percentage. Above this the
// replenish price collapses toward zero and the grid stops being a grid.
var maxProfitPerGrid = decimal.NewFromInt(50)

// safetyFeeRate is the quote buffer reserved on top of the committed
// investment to absorb taker fees and rounding.
var safetyFeeRate = decimal.NewFromFloat(0.002)

// RungPlan is the intended initial order for one rung of the grid.
type RungPlan struct {
	Level int
	Side  core.OrderSide
	Price decimal.Decimal
	Qty   decimal.Decimal

	// Latent marks an upper rung armed as a BUY below the market because
	// the account holds no base inventory for a SELL.
	Latent bool

	// Dormant rungs get no initial order; Reason says why.
	Dormant bool
	Reason  string
}

// ValidateConfig checks a grid configuration against the symbol's filters.
func ValidateConfig(cfg core.GridConfig, info *core.SymbolInfo) error {
	if !cfg.UpperPrice.GreaterThan(cfg.LowerPrice) {
		return fmt.Errorf("%w: upper price must exceed lower price", apperrors.ErrValidation)
	}
	if !cfg.LowerPrice.IsPositive() {
		return fmt.Errorf("%w: lower price must be positive", apperrors.ErrValidation)
	}
	if cfg.GridLevels < minGridLevels || cfg.GridLevels > maxGridLevels {
		return fmt.Errorf("%w: grid levels must be between %d and %d",
			apperrors.ErrValidation, minGridLevels, maxGridLevels)
	}
	if !cfg.ProfitPerGrid.IsPositive() || cfg.ProfitPerGrid.GreaterThan(maxProfitPerGrid) {
		return fmt.Errorf("%w: profit per grid must be between 0 and %s percent",
			apperrors.ErrValidation, maxProfitPerGrid.String())
	}
	if !cfg.InvestmentAmount.IsPositive() {
		return fmt.Errorf("%w: investment amount must be positive", apperrors.ErrValidation)
	}

	step := cfg.StepSize()
	if info.TickSize.IsPositive() && step.LessThan(info.TickSize) {
		return fmt.Errorf("%w: rung spacing %s is finer than tick size %s",
			apperrors.ErrValidation, step.String(), info.TickSize.String())
	}

	// Each rung must clear the venue's notional and quantity floors at the
	// least favorable price (the upper bound prices the smallest quantity).
	perRung := cfg.PerRungInvestment()
	if info.MinNotional.IsPositive() && perRung.LessThan(info.MinNotional) {
		return fmt.Errorf("%w: per-rung investment %s is below minimum notional %s",
			apperrors.ErrValidation, perRung.String(), info.MinNotional.String())
	}
	minQtyAtTop := tradingutils.QuantizeQty(perRung.Div(cfg.UpperPrice), info.StepSize)
	if info.MinQty.IsPositive() && minQtyAtTop.LessThan(info.MinQty) {
		return fmt.Errorf("%w: per-rung quantity %s at the upper bound is below minimum quantity %s",
			apperrors.ErrValidation, minQtyAtTop.String(), info.MinQty.String())
	}

	return nil
}

// BuildCoveragePlan computes the initial order per rung given the current
// price and the account's free base balance.
//
// Rungs priced below the market are BUYs. Rungs at or above the market are
// SELLs while free base inventory lasts; once it runs out, each remaining
// upper rung is armed as a latent BUY at the highest rung below the market,
// so its capital still works and the fill bootstraps the inventory for the
// eventual SELL.
func BuildCoveragePlan(cfg core.GridConfig, info *core.SymbolInfo, currentPrice, baseFree decimal.Decimal) []RungPlan {
	step := cfg.StepSize()
	perRung := cfg.PerRungInvestment()

	// Anchor for latent rungs: the highest rung strictly below the market.
	anchor := decimal.Zero
	for r := 0; r < cfg.GridLevels; r++ {
		p := tradingutils.QuantizePriceDown(tradingutils.RungPrice(cfg.LowerPrice, step, r), info.TickSize)
		if p.LessThan(currentPrice) && p.GreaterThan(anchor) {
			anchor = p
		}
	}

	remainingBase := baseFree
	plan := make([]RungPlan, 0, cfg.GridLevels)

	for r := 0; r < cfg.GridLevels; r++ {
		price := tradingutils.QuantizePriceDown(tradingutils.RungPrice(cfg.LowerPrice, step, r), info.TickSize)
		qty := tradingutils.QuantizeQty(perRung.Div(price), info.StepSize)

		if info.MinQty.IsPositive() && qty.LessThan(info.MinQty) {
			plan = append(plan, RungPlan{
				Level: r, Price: price, Dormant: true,
				Reason: "rounded quantity below minimum",
			})
			continue
		}

		if price.LessThan(currentPrice) {
			plan = append(plan, RungPlan{
				Level: r, Side: core.OrderSideBuy, Price: price, Qty: qty,
			})
			continue
		}

		if remainingBase.GreaterThanOrEqual(qty) {
			remainingBase = remainingBase.Sub(qty)
			plan = append(plan, RungPlan{
				Level: r, Side: core.OrderSideSell, Price: price, Qty: qty,
			})
			continue
		}

		if anchor.IsPositive() {
			anchorQty := tradingutils.QuantizeQty(perRung.Div(anchor), info.StepSize)
			plan = append(plan, RungPlan{
				Level: r, Side: core.OrderSideBuy, Price: anchor, Qty: anchorQty,
				Latent: true, Reason: "no base inventory, armed as buy below market",
			})
			continue
		}

		plan = append(plan, RungPlan{
			Level: r, Price: price, Dormant: true,
			Reason: "no base inventory and no rung below market",
		})
	}

	return plan
}

// RequiredBalances sums the quote and base the plan commits. The quote side
// includes the safety fee buffer.
func RequiredBalances(plan []RungPlan) (quote, base decimal.Decimal) {
	for _, r := range plan {
		if r.Dormant {
			continue
		}
		switch r.Side {
		case core.OrderSideBuy:
			quote = quote.Add(r.Price.Mul(r.Qty))
		case core.OrderSideSell:
			base = base.Add(r.Qty)
		}
	}
	quote = quote.Mul(decimal.NewFromInt(1).Add(safetyFeeRate))
	return quote, base
}

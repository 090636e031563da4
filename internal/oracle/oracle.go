// Package oracle derives advisory grid parameters from recent market data.
// The advice is a starting point for the caller, not a commitment: it goes
// through the same validation as hand-written parameters.
package oracle

import (
	"context"
	"fmt"
	"math"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const minKlines = 10

// Oracle implements core.IParameterOracle.
type Oracle struct {
	cfg    config.OracleConfig
	logger core.ILogger
}

// New creates a parameter oracle.
func New(cfg config.OracleConfig, logger core.ILogger) *Oracle {
	return &Oracle{
		cfg:    cfg,
		logger: logger.WithField("component", "oracle"),
	}
}

// Advise proposes grid parameters. With enough candles the band follows the
// observed price range widened by realized volatility; otherwise it falls
// back to a fixed band around spot. Identical inputs yield identical advice.
func (o *Oracle) Advise(_ context.Context, req *core.AdviceRequest) (*core.OracleAdvice, error) {
	if req == nil || !req.CurrentPrice.IsPositive() {
		return nil, fmt.Errorf("%w: a positive current price is required", apperrors.ErrValidation)
	}

	if len(req.Klines) < minKlines {
		return o.fallback(req, fmt.Sprintf("insufficient market data (%d candles)", len(req.Klines))), nil
	}

	vol, lo, hi, ok := analyze(req.Klines)
	if !ok {
		return o.fallback(req, "market data not usable"), nil
	}

	// Band: the observed range, widened by one volatility unit on each
	// side, clamped so spot stays strictly inside.
	volDec := decimal.NewFromFloat(vol)
	widen := decimal.NewFromInt(1).Add(volDec)
	upper := hi.Mul(widen)
	lower := lo.Div(widen)

	price := req.CurrentPrice
	epsilon := price.Mul(decimal.NewFromFloat(0.002))
	if upper.LessThanOrEqual(price) {
		upper = price.Add(epsilon)
	}
	if lower.GreaterThanOrEqual(price) {
		lower = price.Sub(epsilon)
	}
	if !lower.IsPositive() {
		return o.fallback(req, "derived band collapsed below zero"), nil
	}

	// Profit per rung tracks volatility: half a volatility unit per
	// candle interval, kept between 0.3% and 3%.
	profit := tradingutils.Clamp(
		volDec.Mul(decimal.NewFromInt(50)), // vol*100/2 percent
		decimal.NewFromFloat(0.3),
		decimal.NewFromInt(3),
	)

	// Rung count: one rung per profit step across the band.
	bandPct := upper.Sub(lower).Div(lower).Mul(decimal.NewFromInt(100))
	levels := int(bandPct.Div(profit).IntPart()) + 1
	if levels < 5 {
		levels = 5
	}
	if levels > 50 {
		levels = 50
	}

	return &core.OracleAdvice{
		UpperPrice:    upper.Round(8),
		LowerPrice:    lower.Round(8),
		GridLevels:    levels,
		ProfitPerGrid: profit.Round(4),
		Reasoning: fmt.Sprintf(
			"range %s-%s over %d candles, realized volatility %.4f",
			lo.String(), hi.String(), len(req.Klines), vol),
		Fallback: false,
	}, nil
}

// fallback is the deterministic degraded path: a fixed percentage band
// around spot with configured defaults.
func (o *Oracle) fallback(req *core.AdviceRequest, reason string) *core.OracleAdvice {
	band := decimal.NewFromFloat(o.cfg.FallbackBand).Div(decimal.NewFromInt(100))
	price := req.CurrentPrice

	o.logger.Warn("Oracle falling back to default band", "symbol", req.Symbol, "reason", reason)

	return &core.OracleAdvice{
		UpperPrice:    price.Mul(decimal.NewFromInt(1).Add(band)).Round(8),
		LowerPrice:    price.Mul(decimal.NewFromInt(1).Sub(band)).Round(8),
		GridLevels:    o.cfg.FallbackLevels,
		ProfitPerGrid: decimal.NewFromFloat(o.cfg.FallbackProfit),
		Reasoning:     fmt.Sprintf("fallback band: %s", reason),
		Fallback:      true,
	}
}

// analyze computes the realized volatility (standard deviation of log close
// returns) and the low/high of the candle window.
func analyze(klines []*core.Kline) (vol float64, lo, hi decimal.Decimal, ok bool) {
	var returns []float64
	var prev float64

	for i, k := range klines {
		closeF, _ := k.Close.Float64()
		if closeF <= 0 {
			return 0, decimal.Zero, decimal.Zero, false
		}
		if i == 0 {
			lo, hi = k.Low, k.High
		} else {
			if k.Low.LessThan(lo) && k.Low.IsPositive() {
				lo = k.Low
			}
			if k.High.GreaterThan(hi) {
				hi = k.High
			}
			returns = append(returns, math.Log(closeF/prev))
		}
		prev = closeF
	}

	if len(returns) == 0 || !lo.IsPositive() || !hi.GreaterThan(lo) {
		return 0, decimal.Zero, decimal.Zero, false
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance), lo, hi, true
}

package oracle

import (
	"context"
	"testing"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOracle() *Oracle {
	return New(config.OracleConfig{
		FallbackBand:   5,
		FallbackLevels: 11,
		FallbackProfit: 1,
	}, logging.Nop())
}

func kline(low, high, close string) *core.Kline {
	return &core.Kline{Low: d(low), High: d(high), Close: d(close)}
}

// trendKlines builds a window that drifts between 95 and 105.
func trendKlines(n int) []*core.Kline {
	ks := make([]*core.Kline, 0, n)
	closes := []string{"98", "99", "101", "100", "102", "99", "97", "100", "103", "101", "98", "100"}
	for i := 0; i < n; i++ {
		c := closes[i%len(closes)]
		ks = append(ks, kline("95", "105", c))
	}
	return ks
}

func TestAdviseRejectsMissingPrice(t *testing.T) {
	o := testOracle()
	_, err := o.Advise(context.Background(), &core.AdviceRequest{Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = o.Advise(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAdviseFallsBackOnThinData(t *testing.T) {
	o := testOracle()
	advice, err := o.Advise(context.Background(), &core.AdviceRequest{
		Symbol:       "BTCUSDT",
		CurrentPrice: d("100"),
		Klines:       trendKlines(5),
	})
	require.NoError(t, err)

	assert.True(t, advice.Fallback)
	assert.True(t, advice.UpperPrice.Equal(d("105")), "upper %s", advice.UpperPrice)
	assert.True(t, advice.LowerPrice.Equal(d("95")), "lower %s", advice.LowerPrice)
	assert.Equal(t, 11, advice.GridLevels)
	assert.True(t, advice.ProfitPerGrid.Equal(d("1")))
}

func TestAdviseBandContainsSpot(t *testing.T) {
	o := testOracle()
	advice, err := o.Advise(context.Background(), &core.AdviceRequest{
		Symbol:       "BTCUSDT",
		CurrentPrice: d("100"),
		Klines:       trendKlines(24),
	})
	require.NoError(t, err)

	assert.False(t, advice.Fallback)
	assert.True(t, advice.LowerPrice.LessThan(d("100")), "lower %s", advice.LowerPrice)
	assert.True(t, advice.UpperPrice.GreaterThan(d("100")), "upper %s", advice.UpperPrice)
	assert.GreaterOrEqual(t, advice.GridLevels, 5)
	assert.LessOrEqual(t, advice.GridLevels, 50)
	assert.True(t, advice.ProfitPerGrid.GreaterThanOrEqual(d("0.3")))
	assert.True(t, advice.ProfitPerGrid.LessThanOrEqual(d("3")))
}

func TestAdviseBandContainsSpotOutsideObservedRange(t *testing.T) {
	// Spot gapped above the whole candle window; the band must still
	// straddle spot.
	o := testOracle()
	advice, err := o.Advise(context.Background(), &core.AdviceRequest{
		Symbol:       "BTCUSDT",
		CurrentPrice: d("200"),
		Klines:       trendKlines(24),
	})
	require.NoError(t, err)

	assert.True(t, advice.UpperPrice.GreaterThan(d("200")), "upper %s", advice.UpperPrice)
	assert.True(t, advice.LowerPrice.LessThan(d("200")), "lower %s", advice.LowerPrice)
}

func TestAdviseIsDeterministic(t *testing.T) {
	o := testOracle()
	req := func() *core.AdviceRequest {
		return &core.AdviceRequest{
			Symbol:       "BTCUSDT",
			CurrentPrice: d("100"),
			Klines:       trendKlines(24),
		}
	}

	a, err := o.Advise(context.Background(), req())
	require.NoError(t, err)
	b, err := o.Advise(context.Background(), req())
	require.NoError(t, err)

	assert.True(t, a.UpperPrice.Equal(b.UpperPrice))
	assert.True(t, a.LowerPrice.Equal(b.LowerPrice))
	assert.Equal(t, a.GridLevels, b.GridLevels)
	assert.True(t, a.ProfitPerGrid.Equal(b.ProfitPerGrid))
}

func TestAdviseFallsBackOnUnusableData(t *testing.T) {
	o := testOracle()

	flat := make([]*core.Kline, 12)
	for i := range flat {
		// High equals low: no range to build a band from.
		flat[i] = kline("100", "100", "100")
	}

	advice, err := o.Advise(context.Background(), &core.AdviceRequest{
		Symbol:       "BTCUSDT",
		CurrentPrice: d("100"),
		Klines:       flat,
	})
	require.NoError(t, err)
	assert.True(t, advice.Fallback)
}

func TestAdviseFallsBackOnNonPositiveClose(t *testing.T) {
	o := testOracle()

	ks := trendKlines(12)
	ks[6] = kline("95", "105", "0")

	advice, err := o.Advise(context.Background(), &core.AdviceRequest{
		Symbol:       "BTCUSDT",
		CurrentPrice: d("100"),
		Klines:       ks,
	})
	require.NoError(t, err)
	assert.True(t, advice.Fallback)
}

package engine

import (
	"context"
	"testing"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	"grid_engine/internal/oracle"
	"grid_engine/internal/store"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	eng *Engine
	gw  *mockGateway
	db  *store.MemoryStore
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	gw := newMockGateway(testSymbolInfo(), d("100.5"), richAccount())
	db := store.NewMemoryStore()
	advisor := oracle.New(cfg.Oracle, logging.Nop())

	eng := New(cfg, db, &mockProvider{gw: gw}, advisor, logging.Nop())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	return &engineFixture{eng: eng, gw: gw, db: db}
}

func createRequest() *CreateBotRequest {
	return &CreateBotRequest{
		UserID:        "user-1",
		Symbol:        "BTCUSDT",
		Investment:    d("1100"),
		UpperPrice:    d("110"),
		LowerPrice:    d("90"),
		GridLevels:    11,
		ProfitPerGrid: d("1"),
	}
}

func TestCreateBotPlacesFullCoverage(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bot, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.Equal(t, core.BotStateActive, bot.State)

	// Market at 100.5 in a 90-110/11 grid: six buys below plus five latent
	// buys at the rung under the market, eleven orders total.
	assert.Len(t, fx.gw.placements(), 11)
	assert.Len(t, bot.Orders, 11)
	for _, o := range bot.Orders {
		assert.Equal(t, core.OrderSideBuy, o.Side)
		assert.Equal(t, core.OrderStatusNew, o.Status)
		assert.NotEmpty(t, o.LocalID)
		assert.NotZero(t, o.VenueOrderID)
	}

	assert.True(t, fx.gw.streamStarted, "user stream must start with the first active bot")

	stored, err := fx.db.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BotStateActive, stored.State)
	assert.Len(t, stored.Orders, 11)
}

func TestCreateBotPriceOutsideRange(t *testing.T) {
	fx := newEngineFixture(t)
	fx.gw.setPrice(d("150"))

	_, err := fx.eng.CreateBot(context.Background(), createRequest())
	assert.ErrorIs(t, err, apperrors.ErrPriceRange)
	assert.Empty(t, fx.gw.placements())
}

func TestCreateBotInsufficientBalance(t *testing.T) {
	fx := newEngineFixture(t)
	fx.gw.account = &core.Account{
		CanTrade: true,
		Balances: []core.Balance{{Asset: "USDT", Free: d("10")}},
	}

	_, err := fx.eng.CreateBot(context.Background(), createRequest())
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.Empty(t, fx.gw.placements())
}

func TestCreateBotInvalidConfig(t *testing.T) {
	fx := newEngineFixture(t)
	req := createRequest()
	req.UpperPrice = d("80") // below lower

	_, err := fx.eng.CreateBot(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateBotRollsBackOnPlacementFailure(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.gw.mu.Lock()
	fx.gw.placeErrs = []error{nil, nil, apperrors.ErrInsufficientFunds}
	fx.gw.mu.Unlock()

	_, err := fx.eng.CreateBot(ctx, createRequest())
	require.Error(t, err)

	bots, err := fx.db.ListBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, bots, "failed creation must not leave a bot record")
	assert.Len(t, fx.gw.cancelled, 2, "partial placements must be cancelled")
}

func TestCreateBotUsesOracleWhenParamsOmitted(t *testing.T) {
	fx := newEngineFixture(t)

	req := &CreateBotRequest{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Investment: d("1100"),
	}
	bot, err := fx.eng.CreateBot(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, bot.OracleSnapshot)
	assert.True(t, bot.OracleSnapshot.Fallback, "no klines available, fallback advice expected")
	assert.True(t, bot.Config.UpperPrice.GreaterThan(bot.Config.LowerPrice))
	assert.Equal(t, 11, bot.Config.GridLevels)
}

func TestBotLifecycle(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bot, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	err = fx.eng.StartBot(ctx, bot.ID)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyActive)

	require.NoError(t, fx.eng.PauseBot(ctx, bot.ID))
	got, err := fx.eng.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BotStatePaused, got.State)

	require.NoError(t, fx.eng.StartBot(ctx, bot.ID))
	require.NoError(t, fx.eng.StopBot(ctx, bot.ID))

	got, err = fx.eng.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BotStateStopped, got.State)

	require.NoError(t, fx.eng.DeleteBot(ctx, bot.ID))
	_, err = fx.eng.GetBot(ctx, bot.ID)
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)
}

func TestLifecycleUnknownBot(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, fx.eng.StartBot(ctx, "nope"), apperrors.ErrBotNotFound)
	assert.ErrorIs(t, fx.eng.StopBot(ctx, "nope"), apperrors.ErrBotNotFound)
	assert.ErrorIs(t, fx.eng.PauseBot(ctx, "nope"), apperrors.ErrBotNotFound)
	assert.ErrorIs(t, fx.eng.DeleteBot(ctx, "nope"), apperrors.ErrBotNotFound)
}

func TestStopAllBots(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)
	_, err = fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	res, err := fx.eng.StopAllBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stopped)
	assert.Equal(t, 0, res.Failed)

	// Already-stopped bots are not counted again.
	res, err = fx.eng.StopAllBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stopped)
	assert.Equal(t, 0, res.Failed)
}

func TestListBotsScopedToUser(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	other := createRequest()
	other.UserID = "user-2"
	_, err = fx.eng.CreateBot(ctx, other)
	require.NoError(t, err)

	bots, err := fx.eng.ListBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, bots, 1)
	assert.Equal(t, "user-1", bots[0].UserID)
}

func TestGetPerformanceComputesWhenAbsent(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bot, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	snap, err := fx.eng.GetPerformance(ctx, bot.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.TradeCount)
	assert.True(t, snap.RealizedPnL.IsZero())

	history, err := fx.eng.GetTradingHistory(ctx, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGetDiagnostics(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bot, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	diag, err := fx.eng.GetDiagnostics(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, diag.BotID)
	assert.Equal(t, core.BotStateActive, diag.State)
	assert.Equal(t, 11, diag.LiveOrders)
}

func TestPreviewParameters(t *testing.T) {
	fx := newEngineFixture(t)

	res, err := fx.eng.PreviewParameters(context.Background(), "user-1", "BTCUSDT", d("1100"), false)
	require.NoError(t, err)
	require.NotNil(t, res.Advice)
	assert.True(t, res.Valid, "fallback advice should pass validation: %s", res.ValidationError)
	assert.True(t, res.Advice.LowerPrice.LessThan(d("100.5")))
	assert.True(t, res.Advice.UpperPrice.GreaterThan(d("100.5")))
}

func TestRecoverBotRunsManualPass(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bot, err := fx.eng.CreateBot(ctx, createRequest())
	require.NoError(t, err)

	ev, err := fx.eng.RecoverBot(ctx, bot.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "manual", ev.Trigger)
	// Full coverage already rests on the book; nothing to restore.
	assert.Equal(t, 0, ev.Restored)
}

func TestEngineStartResumesPersistedBots(t *testing.T) {
	cfg := config.DefaultConfig()
	gw := newMockGateway(testSymbolInfo(), d("100.5"), richAccount())
	db := store.NewMemoryStore()
	ctx := context.Background()

	bot := activeBot()
	bot.Orders = []*core.Order{liveOrder("buy-1", 101, core.OrderSideBuy, 2, "94", "1")}
	require.NoError(t, db.SaveBot(ctx, bot))

	// The venue reports the order filled while the process was down.
	gw.queried[101] = &core.VenueOrder{
		VenueOrderID: 101,
		Symbol:       "BTCUSDT",
		Side:         core.OrderSideBuy,
		Status:       core.OrderStatusFilled,
		Price:        d("94"),
		OrigQty:      d("1"),
		ExecutedQty:  d("1"),
		CumQuoteQty:  d("94"),
	}

	eng := New(cfg, db, &mockProvider{gw: gw}, oracle.New(cfg.Oracle, logging.Nop()), logging.Nop())
	t.Cleanup(func() { eng.Shutdown(ctx) })

	require.NoError(t, eng.Start(ctx))

	got, err := eng.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.FindOrder("buy-1").Status,
		"startup recovery must learn fills missed while down")

	// The learned buy fill produced its paired sell.
	foundSell := false
	for _, o := range got.Orders {
		if o.Side == core.OrderSideSell && o.ParentLocalID == "buy-1" {
			foundSell = true
			assert.True(t, o.Price.Equal(d("94.94")), "sell price %s", o.Price)
		}
	}
	assert.True(t, foundSell, "paired sell for recovered fill not found")
}

func TestCreateBotRequiresUserAndSymbol(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.eng.CreateBot(context.Background(), &CreateBotRequest{
		Symbol: "BTCUSDT", Investment: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

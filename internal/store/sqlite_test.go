package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBot(id, userID string, state core.BotState) *core.Bot {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	return &core.Bot{
		ID:     id,
		UserID: userID,
		Symbol: "BTCUSDT",
		State:  state,
		Config: core.GridConfig{
			UpperPrice:       decimal.RequireFromString("110"),
			LowerPrice:       decimal.RequireFromString("90"),
			GridLevels:       11,
			InvestmentAmount: decimal.RequireFromString("1100"),
			ProfitPerGrid:    decimal.RequireFromString("1"),
		},
		Orders: []*core.Order{{
			LocalID:       "order-1",
			VenueOrderID:  42,
			Side:          core.OrderSideBuy,
			Price:         decimal.RequireFromString("94"),
			Quantity:      decimal.RequireFromString("1.06382"),
			GridLevel:     2,
			Status:        core.OrderStatusNew,
			ParentLocalID: "",
			CreatedAt:     now,
			UpdatedAt:     now,
		}},
		Stats: core.BotStats{
			TotalProfit: decimal.RequireFromString("3.14"),
			TotalTrades: 7,
		},
		RecoveryHistory: []core.RecoveryEvent{{
			At: now, Trigger: "startup", Restored: 2, Outcome: "ok",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteStoreBotRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bot := sampleBot("bot-1", "user-1", core.BotStateActive)
	require.NoError(t, s.SaveBot(ctx, bot))

	loaded, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)

	assert.Equal(t, bot.ID, loaded.ID)
	assert.Equal(t, bot.UserID, loaded.UserID)
	assert.Equal(t, core.BotStateActive, loaded.State)
	require.Len(t, loaded.Orders, 1)
	assert.True(t, loaded.Orders[0].Price.Equal(decimal.RequireFromString("94")))
	assert.True(t, loaded.Orders[0].Quantity.Equal(decimal.RequireFromString("1.06382")))
	assert.True(t, loaded.Stats.TotalProfit.Equal(decimal.RequireFromString("3.14")))
	require.Len(t, loaded.RecoveryHistory, 1)
	assert.Equal(t, "startup", loaded.RecoveryHistory[0].Trigger)
}

func TestSQLiteStoreSaveIsUpsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bot := sampleBot("bot-1", "user-1", core.BotStateActive)
	require.NoError(t, s.SaveBot(ctx, bot))

	bot.State = core.BotStatePaused
	bot.Stats.TotalTrades = 8
	require.NoError(t, s.SaveBot(ctx, bot))

	loaded, err := s.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, core.BotStatePaused, loaded.State)
	assert.Equal(t, 8, loaded.Stats.TotalTrades)
}

func TestSQLiteStoreGetBotNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetBot(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)
}

func TestSQLiteStoreChecksumDetectsCorruption(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBot(ctx, sampleBot("bot-1", "user-1", core.BotStateActive)))

	// Tamper with the stored document behind the checksum's back.
	_, err := s.db.Exec(`UPDATE bots SET data = ? WHERE id = ?`, `{"id":"bot-1"}`, "bot-1")
	require.NoError(t, err)

	_, err = s.GetBot(ctx, "bot-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestSQLiteStoreDeleteBot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bot := sampleBot("bot-1", "user-1", core.BotStateActive)
	require.NoError(t, s.SaveBot(ctx, bot))
	require.NoError(t, s.SavePerformance(ctx, &core.PerformanceSnapshot{BotID: "bot-1"}))

	require.NoError(t, s.DeleteBot(ctx, "bot-1"))

	_, err := s.GetBot(ctx, "bot-1")
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)

	snap, err := s.GetPerformance(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.ErrorIs(t, s.DeleteBot(ctx, "bot-1"), apperrors.ErrBotNotFound)
}

func TestSQLiteStoreListFilters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBot(ctx, sampleBot("bot-1", "user-1", core.BotStateActive)))
	require.NoError(t, s.SaveBot(ctx, sampleBot("bot-2", "user-1", core.BotStateStopped)))
	require.NoError(t, s.SaveBot(ctx, sampleBot("bot-3", "user-2", core.BotStateActive)))

	byUser, err := s.ListBots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "bot-1", byUser[0].ID)
	assert.Equal(t, "bot-2", byUser[1].ID)

	active, err := s.ListBotsByState(ctx, core.BotStateActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "bot-1", active[0].ID)
	assert.Equal(t, "bot-3", active[1].ID)
}

func TestSQLiteStorePerformanceRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	snap := &core.PerformanceSnapshot{
		BotID:       "bot-1",
		RealizedPnL: decimal.RequireFromString("12.5"),
		TradeCount:  4,
		WinRate:     decimal.RequireFromString("75"),
		ProfitPerDay: map[string]decimal.Decimal{
			"2026-04-01": decimal.RequireFromString("12.5"),
		},
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePerformance(ctx, snap))

	loaded, err := s.GetPerformance(ctx, "bot-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.RealizedPnL.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 4, loaded.TradeCount)
	assert.True(t, loaded.ProfitPerDay["2026-04-01"].Equal(decimal.RequireFromString("12.5")))
}

func TestSQLiteStoreCorruptPerformanceIsRecomputable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePerformance(ctx, &core.PerformanceSnapshot{BotID: "bot-1"}))

	_, err := s.db.Exec(`UPDATE performance SET data = ? WHERE bot_id = ?`, `garbage`, "bot-1")
	require.NoError(t, err)

	// Derived data: corruption reads as absent, never as an error.
	snap, err := s.GetPerformance(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSQLiteStoreKeyAudit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, action := range []string{"added", "updated", "removed"} {
		require.NoError(t, s.AppendKeyAudit(ctx, &core.KeyAuditEvent{
			UserID:     "user-1",
			Action:     action,
			RemoteAddr: "10.0.0.1",
			Outcome:    "ok",
			At:         base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendKeyAudit(ctx, &core.KeyAuditEvent{
		UserID: "user-2", Action: "added", RemoteAddr: "10.0.0.2", Outcome: "ok", At: base,
	}))

	events, err := s.ListKeyAudit(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Most recent first.
	assert.Equal(t, "removed", events[0].Action)
	assert.Equal(t, "updated", events[1].Action)
	assert.Equal(t, "user-1", events[0].UserID)
}

func TestMemoryStoreMatchesInterfaceSemantics(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	bot := sampleBot("bot-1", "user-1", core.BotStateActive)
	require.NoError(t, m.SaveBot(ctx, bot))

	// Mutating the caller's copy must not affect the stored document.
	bot.State = core.BotStateStopped
	loaded, err := m.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, core.BotStateActive, loaded.State)

	// Mutating a loaded copy must not affect the store either.
	loaded.Orders[0].Status = core.OrderStatusFilled
	again, err := m.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, again.Orders[0].Status)

	_, err = m.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)

	snap, err := m.GetPerformance(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

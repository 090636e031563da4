// Package recovery reconciles a bot's persisted orders against the venue:
// it learns terminal states the push stream missed, restores drifted rungs
// and re-anchors sell orders that would close at a loss.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/telemetry"
	"grid_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// ExpectedRung is one rung of the controller's current coverage plan.
type ExpectedRung struct {
	Level   int
	Side    core.OrderSide
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Dormant bool
}

// Applier is the controller-side surface the service drives. All mutations
// go through it so the bot keeps a single writer.
type Applier interface {
	// ApplyVenueOrder routes an authoritative venue order state through the
	// controller's fill handling. Idempotent.
	ApplyVenueOrder(ctx context.Context, vo *core.VenueOrder) error

	// PlaceRecoveryOrder places one order on behalf of the recovery pass.
	PlaceRecoveryOrder(ctx context.Context, level int, side core.OrderSide, price, qty decimal.Decimal, parentLocalID string) error

	// CancelOrder cancels a resting order and records the cancellation.
	CancelOrder(ctx context.Context, o *core.Order) error
}

// Service runs reconciliation passes. It holds no per-bot state.
type Service struct {
	logger core.ILogger
}

// NewService creates a recovery service.
func NewService(logger core.ILogger) *Service {
	return &Service{logger: logger.WithField("component", "recovery")}
}

// Run performs one reconciliation pass for a bot and returns the event to
// append to its history. The venue's order book is authoritative; the pass
// feeds everything it learns through the applier.
func (s *Service) Run(ctx context.Context, bot *core.Bot, gw core.IExchangeGateway,
	expected []ExpectedRung, tick decimal.Decimal, app Applier, trigger string) (*core.RecoveryEvent, error) {

	logger := s.logger.WithField("bot_id", bot.ID)
	ev := &core.RecoveryEvent{At: time.Now(), Trigger: trigger, Outcome: "ok"}

	open, err := gw.OpenOrders(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	openSet := make(map[int64]*core.VenueOrder, len(open))
	for _, vo := range open {
		openSet[vo.VenueOrderID] = vo
	}

	// Resolve every persisted live order against the venue. Orders missing
	// from the open set are queried individually; their terminal state runs
	// through the normal fill handling.
	for _, o := range liveOrders(bot) {
		if vo, ok := openSet[o.VenueOrderID]; ok {
			if err := app.ApplyVenueOrder(ctx, vo); err != nil {
				logger.Warn("Failed to sync open order", "local_id", o.LocalID, "error", err)
				ev.Skipped++
			}
			continue
		}

		vo, err := gw.QueryOrder(ctx, bot.Symbol, o.VenueOrderID)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			vo = &core.VenueOrder{
				VenueOrderID: o.VenueOrderID,
				Symbol:       bot.Symbol,
				Side:         o.Side,
				Status:       core.OrderStatusCanceled,
				Price:        o.Price,
				OrigQty:      o.Quantity,
				ExecutedQty:  o.ExecutedQty,
				UpdateTime:   time.Now(),
			}
			err = nil
		}
		if err != nil {
			logger.Warn("Failed to query missing order", "local_id", o.LocalID, "error", err)
			ev.Skipped++
			continue
		}
		if err := app.ApplyVenueOrder(ctx, vo); err != nil {
			logger.Warn("Failed to apply venue order state", "local_id", o.LocalID, "error", err)
			ev.Skipped++
		}
	}

	// Re-anchor sells that would close at a loss. The target comes from the
	// actual executed price of the parent buy, never from rung math.
	s.reAnchorStaleSells(ctx, bot, tick, app, ev, logger)

	// Restore drifted rungs: expected live coverage with no live order.
	s.restoreDrift(ctx, bot, expected, app, ev, logger)

	if ev.Skipped > 0 {
		ev.Outcome = "partial"
	}
	telemetry.GetGlobalMetrics().ReconcileRunsTotal.Add(ctx, 1)
	if ev.Restored > 0 {
		telemetry.GetGlobalMetrics().OrdersRestoredTotal.Add(ctx, int64(ev.Restored))
	}
	return ev, nil
}

func (s *Service) restoreDrift(ctx context.Context, bot *core.Bot, expected []ExpectedRung,
	app Applier, ev *core.RecoveryEvent, logger core.ILogger) {

	covered := make(map[int]bool)
	for _, o := range liveOrders(bot) {
		covered[o.GridLevel] = true
	}

	for _, rung := range expected {
		if rung.Dormant || covered[rung.Level] {
			continue
		}
		err := app.PlaceRecoveryOrder(ctx, rung.Level, rung.Side, rung.Price, rung.Qty, "")
		if err != nil {
			logger.Warn("Failed to restore rung", "level", rung.Level, "error", err)
			ev.Skipped++
			continue
		}
		ev.Restored++
	}
}

func (s *Service) reAnchorStaleSells(ctx context.Context, bot *core.Bot, tick decimal.Decimal,
	app Applier, ev *core.RecoveryEvent, logger core.ILogger) {

	profit := bot.Config.ProfitPerGrid

	for _, o := range liveOrders(bot) {
		if o.Side != core.OrderSideSell {
			continue
		}

		anchor := s.anchorBuy(bot, o)
		if anchor == nil {
			continue
		}

		target := tradingutils.QuantizePriceUp(
			tradingutils.ProfitTarget(anchor.ExecutedPrice, profit), tick)

		// One tick of slack covers quantization of the original placement.
		if o.Price.GreaterThanOrEqual(target.Sub(tick)) {
			continue
		}

		if err := app.CancelOrder(ctx, o); err != nil {
			logger.Warn("Failed to cancel stale sell", "local_id", o.LocalID, "error", err)
			ev.Skipped++
			continue
		}
		ev.Cancelled++

		if err := app.PlaceRecoveryOrder(ctx, o.GridLevel, core.OrderSideSell, target, o.Quantity, anchor.LocalID); err != nil {
			logger.Warn("Failed to re-anchor sell", "local_id", o.LocalID, "error", err)
			ev.Skipped++
			continue
		}
		ev.Restored++
	}
}

// anchorBuy finds the buy whose executed price anchors a sell: the explicit
// parent when set, otherwise the most recent filled buy at the same rung.
func (s *Service) anchorBuy(bot *core.Bot, sell *core.Order) *core.Order {
	if sell.ParentLocalID != "" {
		parent := bot.FindOrder(sell.ParentLocalID)
		if parent != nil && parent.Status == core.OrderStatusFilled {
			return parent
		}
	}

	var latest *core.Order
	for _, o := range bot.Orders {
		if o.Side != core.OrderSideBuy || o.Status != core.OrderStatusFilled || o.GridLevel != sell.GridLevel {
			continue
		}
		if latest == nil || o.FilledAt.After(latest.FilledAt) {
			latest = o
		}
	}
	return latest
}

func liveOrders(bot *core.Bot) []*core.Order {
	var live []*core.Order
	for _, o := range bot.Orders {
		if o.IsLive() {
			live = append(live, o)
		}
	}
	return live
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grid_engine/internal/core"
	"grid_engine/internal/recovery"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/retry"
	"grid_engine/pkg/telemetry"
	"grid_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type commandKind int

const (
	cmdFill commandKind = iota
	cmdReconcile
	cmdStart
	cmdPause
	cmdStop
	cmdSnapshot
)

type command struct {
	kind    commandKind
	update  *core.OrderUpdate
	trigger string
	reply   chan cmdResult
}

type cmdResult struct {
	event *core.RecoveryEvent
	bot   *core.Bot
	err   error
}

const fillBufferSize = 256

// Controller owns one bot. Every mutation (fills, reconciliation, lifecycle
// transitions) flows through its command channel and is applied by the
// single run loop, so placements are strictly sequential per bot.
type Controller struct {
	bot    *core.Bot
	gw     core.IExchangeGateway
	store  core.IBotStore
	recov  *recovery.Service
	info   *core.SymbolInfo
	logger core.ILogger

	reconcileInterval time.Duration

	cmds               chan command
	reconcileRequested atomic.Bool

	// balanceShortfall counts ErrInsufficientFunds placements during the
	// current reconcile pass.
	balanceShortfall int

	ctx    context.Context
	cancel context.CancelFunc

	// quit asks the run loop to exit between commands; the command in
	// flight keeps its request context and finishes normally. cancel is the
	// hard path for a loop stuck on a slow venue call.
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newController(bot *core.Bot, gw core.IExchangeGateway, store core.IBotStore,
	recov *recovery.Service, info *core.SymbolInfo, reconcileInterval time.Duration,
	logger core.ILogger) *Controller {

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		bot:               bot,
		gw:                gw,
		store:             store,
		recov:             recov,
		info:              info,
		logger:            logger.WithField("component", "controller").WithField("bot_id", bot.ID),
		reconcileInterval: reconcileInterval,
		cmds:              make(chan command, fillBufferSize),
		ctx:               ctx,
		cancel:            cancel,
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

func (c *Controller) start() {
	go c.run()
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.cancel()

	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.ctx.Done():
			return
		case cmd := <-c.cmds:
			c.handle(cmd)
		case <-ticker.C:
			if c.bot.State == core.BotStateActive {
				c.reconcileRequested.Store(false)
				if _, err := c.reconcile(c.ctx, "tick"); err != nil {
					c.logger.Warn("Reconcile tick failed", "error", err)
				}
			}
		}

		// Overflowed fill channels degrade to a pull: a requested sweep
		// replaces the dropped push events.
		if c.reconcileRequested.CompareAndSwap(true, false) && c.bot.State == core.BotStateActive {
			if _, err := c.reconcile(c.ctx, "backpressure"); err != nil {
				c.logger.Warn("Backpressure reconcile failed", "error", err)
			}
		}
	}
}

func (c *Controller) handle(cmd command) {
	switch cmd.kind {
	case cmdFill:
		if err := c.applyUpdate(c.ctx, cmd.update); err != nil {
			c.logger.Error("Failed to apply order update",
				"venue_order_id", cmd.update.VenueOrderID, "error", err)
		}
	case cmdReconcile:
		ev, err := c.reconcile(c.ctx, cmd.trigger)
		cmd.reply <- cmdResult{event: ev, err: err}
	case cmdStart:
		cmd.reply <- cmdResult{err: c.doStart(c.ctx)}
	case cmdPause:
		cmd.reply <- cmdResult{err: c.doPause(c.ctx)}
	case cmdStop:
		cmd.reply <- cmdResult{err: c.doStop(c.ctx)}
	case cmdSnapshot:
		cmd.reply <- cmdResult{bot: c.deepCopy()}
	}
}

// SubmitFill hands a stream event to the run loop without blocking the
// caller. A full channel flips the reconcile-requested flag instead of
// dropping state on the floor.
func (c *Controller) SubmitFill(update *core.OrderUpdate) {
	select {
	case c.cmds <- command{kind: cmdFill, update: update}:
	default:
		c.reconcileRequested.Store(true)
	}
}

// RequestReconcile flags a sweep for the next loop iteration. Used by the
// ingest layer when its buffers saturate.
func (c *Controller) RequestReconcile() {
	c.reconcileRequested.Store(true)
}

// Reconcile runs one pass on the controller's loop and waits for the result.
func (c *Controller) Reconcile(ctx context.Context, trigger string) (*core.RecoveryEvent, error) {
	return c.roundTrip(ctx, command{kind: cmdReconcile, trigger: trigger})
}

// Start transitions the bot to active and restores coverage.
func (c *Controller) Start(ctx context.Context) error {
	_, err := c.roundTrip(ctx, command{kind: cmdStart})
	return err
}

// Pause stops new placements and the reconcile tick; resting orders stay.
func (c *Controller) Pause(ctx context.Context) error {
	_, err := c.roundTrip(ctx, command{kind: cmdPause})
	return err
}

// Stop cancels live orders best-effort and marks the bot stopped.
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.roundTrip(ctx, command{kind: cmdStop})
	return err
}

func (c *Controller) roundTrip(ctx context.Context, cmd command) (*core.RecoveryEvent, error) {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("controller stopped")
	}
	select {
	case res := <-cmd.reply:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("controller stopped")
	}
}

// Snapshot returns a deep copy of the bot record for readers. The copy is
// taken on the run loop so it never observes a half-applied mutation; once
// the loop has exited the bot is quiescent and copied directly.
func (c *Controller) Snapshot() *core.Bot {
	cmd := command{kind: cmdSnapshot, reply: make(chan cmdResult, 1)}
	select {
	case c.cmds <- cmd:
		select {
		case res := <-cmd.reply:
			return res.bot
		case <-c.ctx.Done():
			<-c.done
			return c.deepCopy()
		}
	case <-c.ctx.Done():
		<-c.done
		return c.deepCopy()
	}
}

// deepCopy copies the bot through JSON so no nested slice is shared.
func (c *Controller) deepCopy() *core.Bot {
	data, err := json.Marshal(c.bot)
	if err != nil {
		return nil
	}
	var copied core.Bot
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil
	}
	return &copied
}

// shutdown exits the run loop without changing the bot's state; startup
// recovery resumes it on the next process run. The command in flight runs
// to completion so a placement already sent to the venue is recorded.
func (c *Controller) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.done
}

// abort cancels the request context out from under the run loop. Only the
// engine calls this, after the shutdown grace period has lapsed.
func (c *Controller) abort() {
	c.cancel()
}

// --- lifecycle transitions, executed on the run loop ---

func (c *Controller) doStart(ctx context.Context) error {
	switch c.bot.State {
	case core.BotStateActive:
		return apperrors.ErrAlreadyActive
	case core.BotStatePaused, core.BotStateStopped, core.BotStateError:
	}

	c.bot.State = core.BotStateActive
	c.bot.Diagnostic = ""
	if err := c.persist(ctx); err != nil {
		return err
	}
	if _, err := c.reconcile(ctx, "start"); err != nil {
		return err
	}
	return nil
}

func (c *Controller) doPause(ctx context.Context) error {
	if c.bot.State != core.BotStateActive {
		return apperrors.ErrNotActive
	}
	c.bot.State = core.BotStatePaused
	return c.persist(ctx)
}

func (c *Controller) doStop(ctx context.Context) error {
	if c.bot.State == core.BotStateStopped {
		return apperrors.ErrAlreadyStopped
	}

	// Best-effort cancel; failures are logged and left to the startup
	// sweep, they never block the transition.
	for _, o := range c.liveOrders() {
		if err := c.gw.Cancel(ctx, c.bot.Symbol, o.VenueOrderID); err != nil {
			c.logger.Warn("Cancel on stop failed", "local_id", o.LocalID, "error", err)
			continue
		}
		o.Status = core.OrderStatusCanceled
		o.UpdatedAt = time.Now()
	}

	c.bot.State = core.BotStateStopped
	return c.persist(ctx)
}

// --- fill handling ---

// applyUpdate is the authoritative fill path. It is idempotent: terminal
// orders never change again and executed quantity never decreases.
func (c *Controller) applyUpdate(ctx context.Context, u *core.OrderUpdate) error {
	o := c.bot.FindOrderByVenueID(u.VenueOrderID)
	if o == nil {
		c.logger.Debug("Update for unknown order discarded", "venue_order_id", u.VenueOrderID)
		return nil
	}
	if o.Status.IsTerminal() {
		return nil
	}
	if u.ExecutedQty.LessThan(o.ExecutedQty) {
		// Stale event from a reconnect replay.
		return nil
	}
	if u.ExecutedQty.Equal(o.ExecutedQty) && u.Status == o.Status {
		return nil
	}

	o.ExecutedQty = u.ExecutedQty
	if u.ExecutedPrice.IsPositive() {
		o.ExecutedPrice = u.ExecutedPrice
	}
	if u.Commission.IsPositive() {
		o.Commission = o.Commission.Add(u.Commission)
		o.CommissionAsset = u.CommissionAsset
	}
	o.UpdatedAt = time.Now()

	switch u.Status {
	case core.OrderStatusPartiallyFilled:
		o.Status = core.OrderStatusPartiallyFilled
	case core.OrderStatusFilled:
		o.Status = core.OrderStatusFilled
		o.FilledAt = u.EventTime
		if o.FilledAt.IsZero() {
			o.FilledAt = time.Now()
		}
		telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1)
		c.onFilled(ctx, o)
	case core.OrderStatusCanceled, core.OrderStatusRejected, core.OrderStatusExpired:
		o.Status = u.Status
	}

	if err := c.persist(ctx); err != nil {
		return err
	}
	c.updatePerformance(ctx)
	return nil
}

func (c *Controller) onFilled(ctx context.Context, o *core.Order) {
	switch o.Side {
	case core.OrderSideBuy:
		c.onBuyFilled(ctx, o)
	case core.OrderSideSell:
		c.onSellFilled(ctx, o)
	}
}

// onBuyFilled places the paired sell one profit step over the executed buy
// price.
func (c *Controller) onBuyFilled(ctx context.Context, buy *core.Order) {
	if buy.HasCorrespondingSell {
		return
	}
	if c.bot.State != core.BotStateActive {
		c.logger.Info("Buy filled while not active; sell deferred to recovery",
			"local_id", buy.LocalID, "state", string(c.bot.State))
		return
	}

	cfg := c.bot.Config
	sellPrice := tradingutils.Clamp(
		tradingutils.ProfitTarget(buy.ExecutedPrice, cfg.ProfitPerGrid),
		cfg.LowerPrice, cfg.UpperPrice)
	sellPrice = tradingutils.QuantizePriceUp(sellPrice, c.info.TickSize)

	qty := tradingutils.QuantizeQty(buy.ExecutedQty, c.info.StepSize)
	if c.info.MinQty.IsPositive() && qty.LessThan(c.info.MinQty) {
		c.logger.Warn("Paired sell below minimum quantity, rung left dormant",
			"local_id", buy.LocalID, "qty", qty.String())
		return
	}

	if _, err := c.placeOrder(ctx, buy.GridLevel, core.OrderSideSell, sellPrice, qty, false, buy.LocalID); err != nil {
		c.logger.Error("Failed to place paired sell", "local_id", buy.LocalID, "error", err)
		return
	}
}

// onSellFilled books the realized profit of the pair and optionally
// replenishes the rung with a fresh buy.
func (c *Controller) onSellFilled(ctx context.Context, sell *core.Order) {
	cfg := c.bot.Config

	if sell.ParentLocalID != "" {
		parent := c.bot.FindOrder(sell.ParentLocalID)
		if parent != nil && parent.Status == core.OrderStatusFilled {
			qty := decimal.Min(parent.ExecutedQty, sell.ExecutedQty)
			pnl := tradingutils.NetPnL(parent.ExecutedPrice, sell.ExecutedPrice, qty,
				parent.Commission.Add(sell.Commission))

			c.bot.Stats.TotalProfit = c.bot.Stats.TotalProfit.Add(pnl)
			c.bot.Stats.TotalTrades++
			if pnl.IsPositive() {
				c.bot.Stats.WinningTrades++
			}
			pnlF, _ := pnl.Float64()
			telemetry.GetGlobalMetrics().PnLRealizedTotal.Add(ctx, pnlF)
		}
	}

	if c.bot.State != core.BotStateActive {
		return
	}

	// Replenish while the market is still inside the grid; outside it the
	// rung stays dormant until reconciliation decides otherwise. The buy is
	// derived from the sell's order price, not the executed price: a price
	// improvement on the fill must not drift the rung off its grid line.
	buyPrice := tradingutils.QuantizePriceDown(
		tradingutils.ReplenishPrice(sell.Price, cfg.ProfitPerGrid), c.info.TickSize)
	if buyPrice.LessThan(cfg.LowerPrice) || buyPrice.GreaterThan(cfg.UpperPrice) {
		return
	}

	mark, err := c.gw.Price(ctx, c.bot.Symbol)
	if err != nil || mark.LessThan(cfg.LowerPrice) || mark.GreaterThan(cfg.UpperPrice) {
		return
	}

	qty := tradingutils.QuantizeQty(cfg.PerRungInvestment().Div(buyPrice), c.info.StepSize)
	if c.info.MinQty.IsPositive() && qty.LessThan(c.info.MinQty) {
		return
	}

	if _, err := c.placeOrder(ctx, sell.GridLevel, core.OrderSideBuy, buyPrice, qty, false, ""); err != nil {
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			c.logger.Info("Replenish skipped, insufficient funds", "level", sell.GridLevel)
			return
		}
		c.logger.Warn("Replenish buy failed", "level", sell.GridLevel, "error", err)
	}
}

// placeOrder places one limit order and records it on the bot. Transient
// venue errors retry with jittered backoff; a filter rejection refreshes the
// symbol metadata before the error is surfaced.
func (c *Controller) placeOrder(ctx context.Context, level int, side core.OrderSide,
	price, qty decimal.Decimal, isRecovery bool, parentLocalID string) (*core.Order, error) {

	var venueID int64
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		id, perr := c.gw.PlaceLimit(ctx, c.bot.Symbol, side, price, qty)
		if perr != nil {
			return perr
		}
		venueID = id
		return nil
	})
	if err != nil {
		if apperrors.IsFilterRejection(err) {
			c.gw.InvalidateSymbol(c.bot.Symbol)
		}
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			c.balanceShortfall++
		}
		return nil, err
	}

	now := time.Now()
	order := &core.Order{
		LocalID:         uuid.NewString(),
		VenueOrderID:    venueID,
		Side:            side,
		Price:           price,
		Quantity:        qty,
		GridLevel:       level,
		Status:          core.OrderStatusNew,
		ParentLocalID:   parentLocalID,
		IsRecoveryOrder: isRecovery,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.bot.Orders = append(c.bot.Orders, order)

	if parentLocalID != "" {
		if parent := c.bot.FindOrder(parentLocalID); parent != nil {
			parent.HasCorrespondingSell = true
		}
	}

	if err := c.persist(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("Order placed",
		"side", string(side), "price", price.String(), "qty", qty.String(),
		"level", level, "venue_order_id", venueID, "recovery", isRecovery)
	return order, nil
}

// placeInitialPlan executes the coverage plan order by order. The first
// unrecoverable failure rolls back every placement made so far.
func (c *Controller) placeInitialPlan(ctx context.Context, plan []RungPlan) error {
	for _, rung := range plan {
		if rung.Dormant {
			c.logger.Info("Rung dormant", "level", rung.Level, "reason", rung.Reason)
			continue
		}
		if _, err := c.placeOrder(ctx, rung.Level, rung.Side, rung.Price, rung.Qty, false, ""); err != nil {
			c.rollbackPlacements(ctx)
			return fmt.Errorf("initial placement at rung %d failed: %w", rung.Level, err)
		}
	}
	return nil
}

func (c *Controller) rollbackPlacements(ctx context.Context) {
	for _, o := range c.liveOrders() {
		if err := c.gw.Cancel(ctx, c.bot.Symbol, o.VenueOrderID); err != nil {
			c.logger.Error("Rollback cancel failed", "local_id", o.LocalID, "error", err)
		}
	}
}

// --- reconciliation, executed on the run loop ---

func (c *Controller) reconcile(ctx context.Context, trigger string) (*core.RecoveryEvent, error) {
	c.balanceShortfall = 0

	price, err := c.gw.Price(ctx, c.bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price: %w", err)
	}
	account, err := c.gw.AccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	plan := BuildCoveragePlan(c.bot.Config, c.info, price, account.Free(c.info.BaseAsset))
	expected := make([]recovery.ExpectedRung, len(plan))
	for i, r := range plan {
		expected[i] = recovery.ExpectedRung{
			Level:   r.Level,
			Side:    r.Side,
			Price:   r.Price,
			Qty:     r.Qty,
			Dormant: r.Dormant,
		}
	}

	ev, err := c.recov.Run(ctx, c.bot, c.gw, expected, c.info.TickSize, c, trigger)
	if err != nil {
		if apperrors.IsFatal(err) {
			c.quarantine(ctx, err.Error())
		}
		return nil, err
	}

	if c.balanceShortfall > 0 && ev.Restored == 0 {
		c.quarantine(ctx, "insufficient balance to maintain grid coverage")
		ev.Outcome = "error"
	}

	c.bot.AppendRecovery(*ev)
	if err := c.persist(ctx); err != nil {
		return ev, err
	}
	c.updatePerformance(ctx)
	return ev, nil
}

// quarantine moves the bot to the error state with an operator-visible
// diagnostic.
func (c *Controller) quarantine(ctx context.Context, diagnostic string) {
	c.bot.State = core.BotStateError
	c.bot.Diagnostic = diagnostic
	c.bot.AppendRecovery(core.RecoveryEvent{
		At:      time.Now(),
		Trigger: "quarantine",
		Outcome: diagnostic,
	})
	c.logger.Error("Bot quarantined", "diagnostic", diagnostic)
	if err := c.persist(ctx); err != nil {
		c.logger.Error("Failed to persist quarantine", "error", err)
	}
}

// --- recovery.Applier ---

// ApplyVenueOrder routes an authoritative REST order state through the fill
// path. REST responses carry no commission; the projection absorbs that.
func (c *Controller) ApplyVenueOrder(ctx context.Context, vo *core.VenueOrder) error {
	return c.applyUpdate(ctx, &core.OrderUpdate{
		UserID:        c.bot.UserID,
		Symbol:        vo.Symbol,
		VenueOrderID:  vo.VenueOrderID,
		Side:          vo.Side,
		Status:        vo.Status,
		Price:         vo.Price,
		ExecutedQty:   vo.ExecutedQty,
		ExecutedPrice: vo.AvgFillPrice(),
		EventTime:     vo.UpdateTime,
	})
}

// PlaceRecoveryOrder implements recovery.Applier.
func (c *Controller) PlaceRecoveryOrder(ctx context.Context, level int, side core.OrderSide,
	price, qty decimal.Decimal, parentLocalID string) error {
	_, err := c.placeOrder(ctx, level, side, price, qty, true, parentLocalID)
	return err
}

// CancelOrder implements recovery.Applier.
func (c *Controller) CancelOrder(ctx context.Context, o *core.Order) error {
	if err := c.gw.Cancel(ctx, c.bot.Symbol, o.VenueOrderID); err != nil {
		return err
	}
	o.Status = core.OrderStatusCanceled
	o.UpdatedAt = time.Now()
	return c.persist(ctx)
}

// --- helpers ---

func (c *Controller) persist(ctx context.Context) error {
	c.bot.UpdatedAt = time.Now()
	if err := c.store.SaveBot(ctx, c.bot); err != nil {
		return fmt.Errorf("failed to persist bot: %w", err)
	}
	return nil
}

func (c *Controller) updatePerformance(ctx context.Context) {
	mark, err := c.gw.Price(ctx, c.bot.Symbol)
	if err != nil {
		mark = decimal.Zero
	}
	snap := ComputePerformance(c.bot, mark)
	if err := c.store.SavePerformance(ctx, snap); err != nil {
		c.logger.Warn("Failed to persist performance snapshot", "error", err)
	}
	unrealized, _ := snap.UnrealizedPnL.Float64()
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(c.bot.ID, unrealized)
}

func (c *Controller) liveOrders() []*core.Order {
	var live []*core.Order
	for _, o := range c.bot.Orders {
		if o.IsLive() {
			live = append(live, o)
		}
	}
	return live
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	"grid_engine/internal/ingest"
	"grid_engine/internal/recovery"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type streamKey struct {
	userID   string
	testMode bool
}

// CreateBotRequest is the input to CreateBot. Zero grid parameters are
// filled in by the parameter oracle.
type CreateBotRequest struct {
	UserID     string
	Symbol     string
	Investment decimal.Decimal

	UpperPrice    decimal.Decimal
	LowerPrice    decimal.Decimal
	GridLevels    int
	ProfitPerGrid decimal.Decimal
	TestMode      bool
}

// StopAllResult reports the outcome of StopAllBots.
type StopAllResult struct {
	Stopped int
	Failed  int
}

// PreviewResult is the oracle's proposal plus the validation verdict it
// would receive at creation.
type PreviewResult struct {
	Advice          *core.OracleAdvice
	Valid           bool
	ValidationError string
}

// Diagnostics is the operator-facing view of a bot's health.
type Diagnostics struct {
	BotID           string
	State           core.BotState
	Diagnostic      string
	LiveOrders      int
	RecoveryHistory []core.RecoveryEvent
}

// Engine is the process-wide bot registry and the control API surface.
type Engine struct {
	cfg      *config.Config
	store    core.IBotStore
	sessions core.IGatewayProvider
	oracle   core.IParameterOracle
	recov    *recovery.Service
	ingestor *ingest.Ingestor
	logger   core.ILogger

	mu          sync.RWMutex
	controllers map[string]*Controller
	streams     map[streamKey]bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds the engine. Start must be called to resume persisted bots.
func New(cfg *config.Config, store core.IBotStore, sessions core.IGatewayProvider,
	oracle core.IParameterOracle, logger core.ILogger) *Engine {

	runCtx, runCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		store:       store,
		sessions:    sessions,
		oracle:      oracle,
		recov:       recovery.NewService(logger),
		logger:      logger.WithField("component", "engine"),
		controllers: make(map[string]*Controller),
		streams:     make(map[streamKey]bool),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
	e.ingestor = ingest.New(
		cfg.Concurrency.IngestPoolSize,
		cfg.Concurrency.IngestPoolBuffer,
		e.route,
		e.overflow,
		logger,
	)
	return e
}

// Start resumes every persisted bot: controllers are rebuilt for all states
// and active bots get a startup reconciliation pass.
func (e *Engine) Start(ctx context.Context) error {
	states := []core.BotState{
		core.BotStateActive, core.BotStatePaused,
		core.BotStateStopped, core.BotStateError,
	}

	for _, state := range states {
		bots, err := e.store.ListBotsByState(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to list %s bots: %w", state, err)
		}
		for _, bot := range bots {
			if err := e.resume(ctx, bot); err != nil {
				e.logger.Error("Failed to resume bot", "bot_id", bot.ID, "error", err)
			}
		}
	}

	e.refreshActiveMetric(ctx)
	return nil
}

func (e *Engine) resume(ctx context.Context, bot *core.Bot) error {
	gw, err := e.sessions.Gateway(ctx, bot.UserID, bot.Config.TestMode)
	if err != nil {
		return err
	}
	info, err := gw.SymbolInfo(ctx, bot.Symbol)
	if err != nil {
		return err
	}

	ctrl := newController(bot, gw, e.store, e.recov, info,
		time.Duration(e.cfg.Timing.ReconcileInterval)*time.Second, e.logger)
	ctrl.start()

	e.mu.Lock()
	e.controllers[bot.ID] = ctrl
	e.mu.Unlock()

	if bot.State == core.BotStateActive {
		if err := e.ensureStream(ctx, bot.UserID, bot.Config.TestMode); err != nil {
			e.logger.Warn("User stream unavailable at resume; reconciliation covers",
				"user_id", bot.UserID, "error", err)
		}
		if _, err := ctrl.Reconcile(ctx, "startup"); err != nil {
			e.logger.Warn("Startup reconciliation failed", "bot_id", bot.ID, "error", err)
		}
	}
	return nil
}

// CreateBot validates, persists and activates a new grid bot. Placement
// failures roll the creation back completely.
func (e *Engine) CreateBot(ctx context.Context, req *CreateBotRequest) (*core.Bot, error) {
	if req.UserID == "" || req.Symbol == "" {
		return nil, fmt.Errorf("%w: user and symbol are required", apperrors.ErrValidation)
	}

	gw, err := e.sessions.Gateway(ctx, req.UserID, req.TestMode)
	if err != nil {
		return nil, err
	}
	info, err := gw.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price, err := gw.Price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	cfg := core.GridConfig{
		UpperPrice:       req.UpperPrice,
		LowerPrice:       req.LowerPrice,
		GridLevels:       req.GridLevels,
		InvestmentAmount: req.Investment,
		ProfitPerGrid:    req.ProfitPerGrid,
		TestMode:         req.TestMode,
	}

	var snapshot *core.OracleAdvice
	if cfg.UpperPrice.IsZero() || cfg.LowerPrice.IsZero() || cfg.GridLevels == 0 {
		advice, aerr := e.advise(ctx, gw, req.Symbol, req.Investment, price)
		if aerr != nil {
			return nil, aerr
		}
		snapshot = advice
		cfg.UpperPrice = advice.UpperPrice
		cfg.LowerPrice = advice.LowerPrice
		cfg.GridLevels = advice.GridLevels
		if cfg.ProfitPerGrid.IsZero() {
			cfg.ProfitPerGrid = advice.ProfitPerGrid
		}
	}

	if err := ValidateConfig(cfg, info); err != nil {
		return nil, err
	}
	if price.LessThan(cfg.LowerPrice) || price.GreaterThan(cfg.UpperPrice) {
		return nil, fmt.Errorf("%w: current price %s not in [%s, %s]",
			apperrors.ErrPriceRange, price.String(),
			cfg.LowerPrice.String(), cfg.UpperPrice.String())
	}

	account, err := gw.AccountInfo(ctx)
	if err != nil {
		return nil, err
	}

	plan := BuildCoveragePlan(cfg, info, price, account.Free(info.BaseAsset))
	requiredQuote, requiredBase := RequiredBalances(plan)
	if account.Free(info.QuoteAsset).LessThan(requiredQuote) {
		return nil, fmt.Errorf("%w: need %s %s, have %s",
			apperrors.ErrInsufficientBalance, requiredQuote.String(), info.QuoteAsset,
			account.Free(info.QuoteAsset).String())
	}
	if account.Free(info.BaseAsset).LessThan(requiredBase) {
		return nil, fmt.Errorf("%w: need %s %s, have %s",
			apperrors.ErrInsufficientBalance, requiredBase.String(), info.BaseAsset,
			account.Free(info.BaseAsset).String())
	}

	now := time.Now()
	bot := &core.Bot{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		State:          core.BotStateActive,
		Config:         cfg,
		OracleSnapshot: snapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SaveBot(ctx, bot); err != nil {
		return nil, err
	}

	ctrl := newController(bot, gw, e.store, e.recov, info,
		time.Duration(e.cfg.Timing.ReconcileInterval)*time.Second, e.logger)

	// Initial placement runs before the loop starts; the controller is not
	// yet reachable so single-writer still holds.
	if err := ctrl.placeInitialPlan(ctx, plan); err != nil {
		if derr := e.store.DeleteBot(ctx, bot.ID); derr != nil {
			e.logger.Error("Rollback delete failed", "bot_id", bot.ID, "error", derr)
		}
		return nil, err
	}

	ctrl.start()
	e.mu.Lock()
	e.controllers[bot.ID] = ctrl
	e.mu.Unlock()

	if err := e.ensureStream(ctx, req.UserID, req.TestMode); err != nil {
		e.logger.Warn("User stream unavailable; reconciliation covers",
			"user_id", req.UserID, "error", err)
	}

	e.refreshActiveMetric(ctx)
	e.logger.Info("Bot created", "bot_id", bot.ID, "symbol", bot.Symbol,
		"levels", cfg.GridLevels, "user_id", bot.UserID)
	return ctrl.Snapshot(), nil
}

// StartBot resumes a paused, stopped or quarantined bot.
func (e *Engine) StartBot(ctx context.Context, botID string) error {
	ctrl, err := e.controller(botID)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	bot := ctrl.Snapshot()
	if err := e.ensureStream(ctx, bot.UserID, bot.Config.TestMode); err != nil {
		e.logger.Warn("User stream unavailable", "user_id", bot.UserID, "error", err)
	}
	e.refreshActiveMetric(ctx)
	return nil
}

// StopBot cancels live orders best-effort and marks the bot stopped.
func (e *Engine) StopBot(ctx context.Context, botID string) error {
	ctrl, err := e.controller(botID)
	if err != nil {
		return err
	}
	if err := ctrl.Stop(ctx); err != nil {
		return err
	}
	e.refreshActiveMetric(ctx)
	return nil
}

// PauseBot halts placements and reconciliation; resting orders stay live.
func (e *Engine) PauseBot(ctx context.Context, botID string) error {
	ctrl, err := e.controller(botID)
	if err != nil {
		return err
	}
	if err := ctrl.Pause(ctx); err != nil {
		return err
	}
	e.refreshActiveMetric(ctx)
	return nil
}

// DeleteBot stops the bot if needed and removes its record.
func (e *Engine) DeleteBot(ctx context.Context, botID string) error {
	ctrl, err := e.controller(botID)
	if err != nil {
		return err
	}

	if serr := ctrl.Stop(ctx); serr != nil && !errors.Is(serr, apperrors.ErrAlreadyStopped) {
		e.logger.Warn("Stop during delete failed", "bot_id", botID, "error", serr)
	}
	ctrl.shutdown()

	e.mu.Lock()
	delete(e.controllers, botID)
	e.mu.Unlock()

	if err := e.store.DeleteBot(ctx, botID); err != nil {
		return err
	}
	e.refreshActiveMetric(ctx)
	return nil
}

// StopAllBots stops every non-stopped bot a user owns.
func (e *Engine) StopAllBots(ctx context.Context, userID string) (*StopAllResult, error) {
	res := &StopAllResult{}
	for _, ctrl := range e.controllersFor(userID) {
		err := ctrl.Stop(ctx)
		switch {
		case err == nil:
			res.Stopped++
		case errors.Is(err, apperrors.ErrAlreadyStopped):
		default:
			res.Failed++
			e.logger.Warn("Stop failed", "bot_id", ctrl.bot.ID, "error", err)
		}
	}
	e.refreshActiveMetric(ctx)
	return res, nil
}

// GetBot returns a read-only snapshot of one bot.
func (e *Engine) GetBot(ctx context.Context, botID string) (*core.Bot, error) {
	ctrl, err := e.controller(botID)
	if err != nil {
		// Fall back to the store for bots not loaded in this process.
		return e.store.GetBot(ctx, botID)
	}
	snap := ctrl.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("failed to snapshot bot %s", botID)
	}
	return snap, nil
}

// ListBots returns snapshots of a user's bots.
func (e *Engine) ListBots(ctx context.Context, userID string) ([]*core.Bot, error) {
	return e.store.ListBots(ctx, userID)
}

// GetPerformance returns the persisted performance projection, recomputing
// it when absent.
func (e *Engine) GetPerformance(ctx context.Context, botID string) (*core.PerformanceSnapshot, error) {
	snap, err := e.store.GetPerformance(ctx, botID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}

	bot, err := e.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	return ComputePerformance(bot, decimal.Zero), nil
}

// GetTradingHistory returns the closed pairs, oldest first.
func (e *Engine) GetTradingHistory(ctx context.Context, botID string) ([]core.PairedTrade, error) {
	snap, err := e.GetPerformance(ctx, botID)
	if err != nil {
		return nil, err
	}
	return snap.Pairs, nil
}

// GetDiagnostics returns the operator view of a bot.
func (e *Engine) GetDiagnostics(ctx context.Context, botID string) (*Diagnostics, error) {
	bot, err := e.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}

	live := 0
	for _, o := range bot.Orders {
		if o.IsLive() {
			live++
		}
	}
	return &Diagnostics{
		BotID:           bot.ID,
		State:           bot.State,
		Diagnostic:      bot.Diagnostic,
		LiveOrders:      live,
		RecoveryHistory: bot.RecoveryHistory,
	}, nil
}

// PreviewParameters runs the oracle and reports whether its proposal would
// pass creation validation.
func (e *Engine) PreviewParameters(ctx context.Context, userID, symbol string, investment decimal.Decimal, testMode bool) (*PreviewResult, error) {
	gw, err := e.sessions.Gateway(ctx, userID, testMode)
	if err != nil {
		return nil, err
	}
	info, err := gw.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price, err := gw.Price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	advice, err := e.advise(ctx, gw, symbol, investment, price)
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{Advice: advice, Valid: true}
	cfg := core.GridConfig{
		UpperPrice:       advice.UpperPrice,
		LowerPrice:       advice.LowerPrice,
		GridLevels:       advice.GridLevels,
		InvestmentAmount: investment,
		ProfitPerGrid:    advice.ProfitPerGrid,
		TestMode:         testMode,
	}
	if verr := ValidateConfig(cfg, info); verr != nil {
		res.Valid = false
		res.ValidationError = verr.Error()
	}
	return res, nil
}

// RecoverBot runs a manual reconciliation pass.
func (e *Engine) RecoverBot(ctx context.Context, botID string) (*core.RecoveryEvent, error) {
	ctrl, err := e.controller(botID)
	if err != nil {
		return nil, err
	}
	return ctrl.Reconcile(ctx, "manual")
}

// IngestBacklog returns the deepest ingest lane queue, for health checks.
func (e *Engine) IngestBacklog() int {
	return e.ingestor.Backlog()
}

// Shutdown stops every controller. Each loop is asked to exit between
// commands so venue calls in flight complete and land in the store; only
// when the grace period lapses are the request contexts cancelled.
func (e *Engine) Shutdown(ctx context.Context) {
	e.runCancel()

	e.mu.Lock()
	controllers := make([]*Controller, 0, len(e.controllers))
	for _, ctrl := range e.controllers {
		controllers = append(controllers, ctrl)
	}
	e.mu.Unlock()

	grace := time.Duration(e.cfg.Timing.ShutdownGrace) * time.Second
	done := make(chan struct{})
	go func() {
		for _, ctrl := range controllers {
			ctrl.shutdown()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("Shutdown grace elapsed; controllers cancelled hard")
		for _, ctrl := range controllers {
			ctrl.abort()
		}
		<-done
	case <-ctx.Done():
		for _, ctrl := range controllers {
			ctrl.abort()
		}
		<-done
	}

	e.ingestor.Stop()
	e.sessions.CloseAll()
}

// --- internals ---

func (e *Engine) controller(botID string) (*Controller, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ctrl, ok := e.controllers[botID]
	if !ok {
		return nil, apperrors.ErrBotNotFound
	}
	return ctrl, nil
}

func (e *Engine) controllersFor(userID string) []*Controller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Controller
	for _, ctrl := range e.controllers {
		if ctrl.bot.UserID == userID {
			out = append(out, ctrl)
		}
	}
	return out
}

// route delivers one stream event to the user's controllers. The owning
// controller recognizes its venue order id; the others discard silently.
func (e *Engine) route(update *core.OrderUpdate) {
	for _, ctrl := range e.controllersFor(update.UserID) {
		if ctrl.bot.Symbol != update.Symbol {
			continue
		}
		ctrl.SubmitFill(update)
	}
}

func (e *Engine) overflow(update *core.OrderUpdate) {
	for _, ctrl := range e.controllersFor(update.UserID) {
		if ctrl.bot.Symbol == update.Symbol {
			ctrl.RequestReconcile()
		}
	}
}

// ensureStream starts the user-data stream for a user once per venue mode.
func (e *Engine) ensureStream(ctx context.Context, userID string, testMode bool) error {
	key := streamKey{userID: userID, testMode: testMode}

	e.mu.Lock()
	if e.streams[key] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	gw, err := e.sessions.Gateway(ctx, userID, testMode)
	if err != nil {
		return err
	}
	if err := gw.StartUserStream(e.runCtx, e.ingestor.Submit); err != nil {
		return err
	}

	e.mu.Lock()
	e.streams[key] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) advise(ctx context.Context, gw core.IExchangeGateway, symbol string,
	investment, price decimal.Decimal) (*core.OracleAdvice, error) {

	klines, err := gw.Klines(ctx, symbol, e.cfg.Oracle.KlineInterval, e.cfg.Oracle.KlineLimit)
	if err != nil {
		e.logger.Warn("Klines unavailable for oracle", "symbol", symbol, "error", err)
		klines = nil
	}
	return e.oracle.Advise(ctx, &core.AdviceRequest{
		Symbol:       symbol,
		Investment:   investment,
		CurrentPrice: price,
		Klines:       klines,
	})
}

func (e *Engine) refreshActiveMetric(ctx context.Context) {
	bots, err := e.store.ListBotsByState(ctx, core.BotStateActive)
	if err != nil {
		return
	}
	telemetry.GetGlobalMetrics().SetActiveBots(int64(len(bots)))
}

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotState is the lifecycle state of a grid bot.
type BotState string

const (
	BotStateActive  BotState = "active"
	BotStatePaused  BotState = "paused"
	BotStateStopped BotState = "stopped"
	BotStateError   BotState = "error"
)

// OrderSide is the direction of a limit order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus mirrors the venue's order states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is final. Orders never transition
// out of a terminal status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// GridConfig is the validated, immutable configuration of one grid bot.
type GridConfig struct {
	UpperPrice       decimal.Decimal `json:"upper_price"`
	LowerPrice       decimal.Decimal `json:"lower_price"`
	GridLevels       int             `json:"grid_levels"`
	InvestmentAmount decimal.Decimal `json:"investment_amount"`
	ProfitPerGrid    decimal.Decimal `json:"profit_per_grid"` // percent per rung
	TestMode         bool            `json:"test_mode"`
}

// StepSize is the arithmetic spacing between adjacent rungs.
func (c GridConfig) StepSize() decimal.Decimal {
	return c.UpperPrice.Sub(c.LowerPrice).Div(decimal.NewFromInt(int64(c.GridLevels - 1)))
}

// PerRungInvestment is the quote amount committed to each rung.
func (c GridConfig) PerRungInvestment() decimal.Decimal {
	return c.InvestmentAmount.Div(decimal.NewFromInt(int64(c.GridLevels)))
}

// Order is a limit order owned by a bot. Links between orders are
// identifiers into the bot's own collection, never pointers.
type Order struct {
	LocalID       string          `json:"local_id"`
	VenueOrderID  int64           `json:"venue_order_id"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	GridLevel     int             `json:"grid_level"`
	Status        OrderStatus     `json:"status"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	Commission    decimal.Decimal `json:"commission"`
	CommissionAsset string        `json:"commission_asset,omitempty"`

	// ParentLocalID links a SELL back to the BUY it closes.
	ParentLocalID        string `json:"parent_local_id,omitempty"`
	HasCorrespondingSell bool   `json:"has_corresponding_sell"`
	IsRecoveryOrder      bool   `json:"is_recovery_order"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	FilledAt  time.Time `json:"filled_at,omitempty"`
}

// IsLive reports whether the order still rests on the venue book.
func (o *Order) IsLive() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// BotStats aggregates running statistics for a bot.
type BotStats struct {
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
}

// RecoveryEvent records one reconciliation or recovery pass.
type RecoveryEvent struct {
	At        time.Time `json:"at"`
	Trigger   string    `json:"trigger"` // startup, tick, manual
	Restored  int       `json:"restored"`
	Cancelled int       `json:"cancelled"`
	Skipped   int       `json:"skipped"`
	Outcome   string    `json:"outcome"`
}

// MaxRecoveryHistory bounds the recovery history kept on a bot record.
const MaxRecoveryHistory = 20

// Bot is the persisted record of one grid run. Orders are embedded; the bot
// exclusively owns them.
type Bot struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id"`
	Symbol string   `json:"symbol"`
	State  BotState `json:"state"`

	Config GridConfig `json:"config"`
	Orders []*Order   `json:"orders"`
	Stats  BotStats   `json:"stats"`

	RecoveryHistory []RecoveryEvent `json:"recovery_history,omitempty"`
	OracleSnapshot  *OracleAdvice   `json:"oracle_snapshot,omitempty"`
	Diagnostic      string          `json:"diagnostic,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindOrder returns the embedded order with the given local id.
func (b *Bot) FindOrder(localID string) *Order {
	for _, o := range b.Orders {
		if o.LocalID == localID {
			return o
		}
	}
	return nil
}

// FindOrderByVenueID returns the embedded order with the given venue id.
func (b *Bot) FindOrderByVenueID(venueID int64) *Order {
	for _, o := range b.Orders {
		if o.VenueOrderID == venueID {
			return o
		}
	}
	return nil
}

// AppendRecovery appends a recovery event, trimming the history to its bound.
func (b *Bot) AppendRecovery(ev RecoveryEvent) {
	b.RecoveryHistory = append(b.RecoveryHistory, ev)
	if len(b.RecoveryHistory) > MaxRecoveryHistory {
		b.RecoveryHistory = b.RecoveryHistory[len(b.RecoveryHistory)-MaxRecoveryHistory:]
	}
}

// OrderUpdate is a normalized order event from the venue push stream or from
// an individual order query.
type OrderUpdate struct {
	UserID          string
	Symbol          string
	VenueOrderID    int64
	Side            OrderSide
	Status          OrderStatus
	Price           decimal.Decimal
	ExecutedQty     decimal.Decimal
	ExecutedPrice   decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	EventTime       time.Time
}

// VenueOrder is an order as reported by the venue REST API.
type VenueOrder struct {
	VenueOrderID  int64
	Symbol        string
	Side          OrderSide
	Status        OrderStatus
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	CumQuoteQty   decimal.Decimal
	UpdateTime    time.Time
}

// AvgFillPrice derives the average executed price from cumulative quote
// volume; falls back to the limit price when nothing executed yet.
func (v *VenueOrder) AvgFillPrice() decimal.Decimal {
	if v.ExecutedQty.IsPositive() && v.CumQuoteQty.IsPositive() {
		return v.CumQuoteQty.Div(v.ExecutedQty)
	}
	return v.Price
}

// SymbolInfo is cached venue metadata for one trading pair.
type SymbolInfo struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinQty            decimal.Decimal
	MinNotional       decimal.Decimal
	PricePrecision    int
	QuantityPrecision int
}

// Balance is one asset balance in a venue account.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Account is the venue account snapshot.
type Account struct {
	CanTrade bool
	Balances []Balance
}

// Free returns the free balance of an asset, zero when absent.
func (a *Account) Free(asset string) decimal.Decimal {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// PairedTrade is one matched BUY/SELL pair in a performance projection.
type PairedTrade struct {
	BuyLocalID  string          `json:"buy_local_id"`
	SellLocalID string          `json:"sell_local_id"`
	GridLevel   int             `json:"grid_level"`
	Quantity    decimal.Decimal `json:"quantity"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	Profit      decimal.Decimal `json:"profit"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// PerformanceSnapshot is a derived projection, rebuildable from the order
// history alone.
type PerformanceSnapshot struct {
	BotID          string          `json:"bot_id"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	TradeCount     int             `json:"trade_count"`
	WinRate        decimal.Decimal `json:"win_rate"` // percent
	BestTrade      decimal.Decimal `json:"best_trade"`
	WorstTrade     decimal.Decimal `json:"worst_trade"`
	Pairs          []PairedTrade   `json:"pairs,omitempty"`
	UnpairedBuys   int             `json:"unpaired_buys"`
	UnpairedSells  int             `json:"unpaired_sells"`
	ProfitPerDay   map[string]decimal.Decimal `json:"profit_per_day,omitempty"`
	ProfitPerLevel map[int]decimal.Decimal    `json:"profit_per_level,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// KeyAuditEvent is one append-only credential audit record.
type KeyAuditEvent struct {
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"` // added, updated, removed
	RemoteAddr string    `json:"remote_addr"`
	Outcome    string    `json:"outcome"`
	At         time.Time `json:"at"`
}

// OracleAdvice is the parameter oracle's proposal for a grid.
type OracleAdvice struct {
	UpperPrice    decimal.Decimal `json:"upper_price"`
	LowerPrice    decimal.Decimal `json:"lower_price"`
	GridLevels    int             `json:"grid_levels"`
	ProfitPerGrid decimal.Decimal `json:"profit_per_grid"`
	Reasoning     string          `json:"reasoning"`
	Fallback      bool            `json:"fallback"`
}

// AdviceRequest is the input to the parameter oracle.
type AdviceRequest struct {
	Symbol       string
	Investment   decimal.Decimal
	CurrentPrice decimal.Decimal
	Klines       []*Kline
}

// Credentials is a short-lived decrypted handle to a user's venue API keys.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// ProxyFailure classifies proxy-attributable failures reported to the pool.
type ProxyFailure string

const (
	ProxyFailureRegionBlock    ProxyFailure = "REGION_BLOCK"
	ProxyFailureConnectRefused ProxyFailure = "CONNECT_REFUSED"
	ProxyFailureDNS            ProxyFailure = "DNS_FAIL"
	ProxyFailureTimeout        ProxyFailure = "TIMEOUT"
	ProxyFailureRateLimit      ProxyFailure = "RATE_LIMIT"
)
